// package main: payment service, one withdrawal executor per configured chain.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opencustody/walletd/lib/chain"
	ctypes "github.com/opencustody/walletd/lib/chain/types"
	"github.com/opencustody/walletd/lib/config"
	"github.com/opencustody/walletd/lib/msg"
	"github.com/opencustody/walletd/lib/msg/amqp"
	"github.com/opencustody/walletd/lib/store"
	"github.com/opencustody/walletd/lib/store/db"
	"github.com/opencustody/walletd/payment"
)

func main() {
	confPath := flag.String("c", "", "flag to get configuration from json file")
	withMetrics := flag.Bool("m", false, "flag to expose Prometheus metrics at http://localhost:9100")
	flag.Parse()

	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load configuration")
	}

	setupLogger(conf.LogLevel)
	log.Info().Str("db", conf.DbType).Int64("batchSize", conf.BatchSize).Msg("payment starting")

	dbConn, err := db.New(conf.DbType, conf.DbConn)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot connect to database")
	}
	defer dbConn.Close()

	bc, err := chain.Init(conf.Chains, loadTokens(dbConn, conf.Chains))
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load chain clients")
	}
	defer chain.End(bc)

	if *withMetrics {
		go serveMetrics()
	}

	sink := connectBroker(conf.MbType, conf.MbConn)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	var wg sync.WaitGroup

	for _, cc := range conf.Chains {
		client, ok := bc[cc.Name]
		if !ok {
			continue
		}

		p := payment.New(dbConn, client, sink, []byte(conf.IntakeKey), conf.CipherKey,
			conf.BatchSize, time.Duration(cc.Interval)*time.Second, log.Logger)

		wg.Add(1)

		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	wg.Wait()
	log.Info().Msg("payment stopped")
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.With().Str("svc", "payment").Logger()
}

func connectBroker(mbType, mbConn string) msg.EventSink {
	if mbType != "amqp" {
		log.Fatal().Str("type", mbType).Msg("unknown message broker type")
	}

	sink, err := amqp.New(mbConn)
	if err != nil {
		time.Sleep(10 * time.Second)

		if sink, err = amqp.New(mbConn); err != nil {
			log.Fatal().Err(err).Msg("cannot connect to message broker")
		}
	}

	if err = sink.Setup(); err != nil {
		log.Fatal().Err(err).Msg("cannot declare broker resources")
	}

	return sink
}

func loadTokens(dbConn store.DB, chains []config.ChainConfig) map[string][]ctypes.Token {
	tokens := make(map[string][]ctypes.Token)

	for _, cc := range chains {
		rows, err := dbConn.Tokens(cc.Name)
		if err != nil {
			log.Fatal().Err(err).Str("service", cc.Name).Msg("cannot load tokens")
		}

		for _, t := range rows {
			tokens[cc.Name] = append(tokens[cc.Name], ctypes.Token{
				Symbol:   t.Symbol,
				Contract: t.ContractAddress,
				Decimals: t.Decimals,
			})
		}
	}

	return tokens
}

func serveMetrics() {
	log.Info().Msg("serving metrics on :9100")

	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":9100", Handler: h, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
