// config_test.go tests config files
package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestConfig extracts config from a file and checks values loaded.
func TestConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf.json")
	body := `{
		"dbtype": "memory",
		"port": "4040",
		"sweepOrder": "amount",
		"chains": [
			{"name": "eth", "type": "evm", "node": "http://localhost:8545", "chainId": 1, "minimumConfirmation": 12},
			{"name": "btc", "type": "bitcoin", "node": "localhost:8332", "network": "regtest", "minimumConfirmation": 3}
		]
	}`

	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	conf, err := ExtractConfiguration(file)
	if err != nil {
		t.Fatalf("error reading config file: %v", err)
	}

	if conf.DbType != "memory" {
		t.Errorf("dbtype is not the expected: %s", conf.DbType)
	}

	if conf.Port != "4040" {
		t.Errorf("config port is not the expected: %s", conf.Port)
	}

	if conf.SweepOrder != "amount" {
		t.Errorf("sweep order is not the expected: %s", conf.SweepOrder)
	}

	// untouched fields keep their defaults
	if conf.MbType != MbTypeDefault || conf.BatchSize != BatchSizeDefault {
		t.Errorf("defaults not kept: %s %d", conf.MbType, conf.BatchSize)
	}

	if len(conf.Chains) != 2 {
		t.Fatalf("chains do not match the expected: %v", conf.Chains)
	}

	if conf.Chains[0].Name != "eth" || conf.Chains[1].Name != "btc" {
		t.Errorf("chains do not match the expected: %v", conf.Chains)
	}
}

// TestConfigEnvOverride checks OS ENV variables take precedence.
func TestConfigEnvOverride(t *testing.T) {
	t.Setenv("WALLETD_DBTYPE", "postgres")
	t.Setenv("WALLETD_INTAKE_KEY", "topsecret")
	t.Setenv("WALLETD_BATCH_SIZE", "75")

	conf, err := ExtractConfiguration("")
	if err != nil {
		t.Fatalf("error extracting config: %v", err)
	}

	if conf.DbType != "postgres" {
		t.Errorf("env override not applied: %s", conf.DbType)
	}

	if conf.IntakeKey != "topsecret" {
		t.Errorf("env override not applied: %s", conf.IntakeKey)
	}

	if conf.BatchSize != 75 {
		t.Errorf("env override not applied: %d", conf.BatchSize)
	}
}

// TestConfigBadBatchSize checks a non-numeric batch size is rejected.
func TestConfigBadBatchSize(t *testing.T) {
	t.Setenv("WALLETD_BATCH_SIZE", "many")

	if _, err := ExtractConfiguration(""); err == nil {
		t.Error("expected an error for a non-numeric batch size")
	}
}
