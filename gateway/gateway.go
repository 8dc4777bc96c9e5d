// Package gateway implements the administrative REST API: wallet and address
// provisioning, routing configuration, token enablement and withdrawal
// intake. Every mutating request is authenticated with an HMAC signature
// over the raw body.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/opencustody/walletd/lib/chain"
	"github.com/opencustody/walletd/lib/config"
	"github.com/opencustody/walletd/lib/store"
)

const timeout = 15 * time.Second

// Gateway contains the data necessary to deliver the service.
type Gateway struct {
	db        store.DB
	bc        map[string]chain.Client
	chains    map[string]config.ChainConfig
	intakeKey []byte
	cipherKey string
	s         *http.Server
	ss        *http.Server
	sc        chan struct{}
	log       zerolog.Logger
}

// New returns a Gateway service over the given store and chain clients.
func New(db store.DB, bc map[string]chain.Client, chains []config.ChainConfig,
	intakeKey []byte, cipherKey string, logger zerolog.Logger) *Gateway {
	byName := make(map[string]config.ChainConfig, len(chains))
	for _, cc := range chains {
		byName[cc.Name] = cc
	}

	return &Gateway{
		db:        db,
		bc:        bc,
		chains:    byName,
		intakeKey: intakeKey,
		cipherKey: cipherKey,
		sc:        make(chan struct{}),
		log:       logger.With().Str("service", "gateway").Logger(),
	}
}

// Router builds the API routes.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", g.healthHandler).Methods("GET")
	r.HandleFunc("/networks", g.networksHandler).Methods("GET")
	r.HandleFunc("/wallets", g.signed(g.createWalletHandler)).Methods("POST")
	r.HandleFunc("/wallets/config", g.signed(g.setConfigHandler)).Methods("POST")
	r.HandleFunc("/wallets/balances", g.balancesHandler).Methods("GET")
	r.HandleFunc("/thresholds", g.signed(g.setThresholdHandler)).Methods("POST")
	r.HandleFunc("/addresses", g.signed(g.createAddressHandler)).Methods("POST")
	r.HandleFunc("/tokens", g.signed(g.addTokenHandler)).Methods("POST")
	r.HandleFunc("/withdrawals", g.signed(g.withdrawalHandler)).Methods("POST")
	r.HandleFunc("/withdrawals/batch", g.signed(g.withdrawalBatchHandler)).Methods("POST")

	return r
}

// Init starts the http and, when certificates are configured, https servers,
// blocking until Stop is called.
func (g *Gateway) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	r := g.Router()

	if port != "" {
		g.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: timeout,
			ReadTimeout:  timeout,
		}

		go func() {
			err = g.s.ListenAndServe()
		}()

		g.log.Info().Str("addr", endpoint+":"+port).Msg("listening for API requests")
	}

	if sslPort != "" && sslCert != "" && sslKey != "" {
		g.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: timeout,
			ReadTimeout:  timeout,
		}

		go func() {
			errTLS = g.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		g.log.Info().Str("addr", endpoint+":"+sslPort).Msg("listening for API requests over TLS")
	}

	<-g.sc

	return fmt.Sprintf("shutdown http server:%v, https server:%v", err, errTLS)
}

// Stop shuts down the http servers gracefully.
func (g *Gateway) Stop() {
	if g.s != nil {
		if err := g.s.Shutdown(context.Background()); err != nil {
			g.log.Error().Err(err).Msg("http server shutdown")
		}
	}

	if g.ss != nil {
		if err := g.ss.Shutdown(context.Background()); err != nil {
			g.log.Error().Err(err).Msg("https server shutdown")
		}
	}

	close(g.sc)
}
