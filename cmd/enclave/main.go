package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flynn/noise"
	"github.com/ruteri/tee-wallet-enclave/api/enclavehandler"
	"github.com/ruteri/tee-wallet-enclave/auditlog"
	"github.com/ruteri/tee-wallet-enclave/cmd/flags"
	"github.com/ruteri/tee-wallet-enclave/common"
	"github.com/ruteri/tee-wallet-enclave/cryptoutils"
	"github.com/ruteri/tee-wallet-enclave/httpserver"
	"github.com/ruteri/tee-wallet-enclave/interfaces"
	"github.com/ruteri/tee-wallet-enclave/kms"
	"github.com/ruteri/tee-wallet-enclave/metrics"
	"github.com/ruteri/tee-wallet-enclave/securechannel"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

var EnclaveServiceLogFlag = flags.LogServiceFlagFn("wsm-enclave")

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:7446",
	Usage:   "address to listen on for the enclave API",
	EnvVars: []string{"WSM_LISTEN_ADDR"},
}

var AttestationModeFlag = &cli.StringFlag{
	Name:    "attestation-mode",
	Value:   "nitro",
	Usage:   "attestation provider: nitro, tdx, remote or dummy (testing only)",
	EnvVars: []string{"WSM_ATTESTATION_MODE"},
}
var RemoteAttestationAddrFlag = &cli.StringFlag{
	Name:    "remote-attestation-addr",
	Usage:   "quote service address for remote attestation mode",
	EnvVars: []string{"WSM_REMOTE_ATTESTATION_ADDR"},
}

var AWSKMSEndpointFlag = &cli.StringFlag{
	Name:    "aws-kms-endpoint",
	Usage:   "override the AWS KMS endpoint, e.g. a vsock proxy",
	EnvVars: []string{"WSM_AWS_KMS_ENDPOINT"},
}
var AWSKMSProxyFlag = &cli.StringFlag{
	Name:    "aws-kms-proxy",
	Usage:   "HTTP proxy URL for AWS KMS calls",
	EnvVars: []string{"WSM_AWS_KMS_PROXY"},
}
var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	Usage:   "Vault address; enables the vault KMS provider",
	EnvVars: []string{"WSM_VAULT_ADDR"},
}
var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "Vault token for transit decrypt",
	EnvVars: []string{"WSM_VAULT_TOKEN"},
}
var VaultTransitMountFlag = &cli.StringFlag{
	Name:    "vault-transit-mount",
	Value:   "transit",
	Usage:   "Vault transit secrets engine mount",
	EnvVars: []string{"WSM_VAULT_TRANSIT_MOUNT"},
}
var KeeperURLFlag = &cli.StringFlag{
	Name:    "keeper-url",
	Usage:   "default gocloud.dev secrets keeper URL for the keeper provider",
	EnvVars: []string{"WSM_KEEPER_URL"},
}

var NoiseStaticKeysFlag = &cli.StringSliceFlag{
	Name:    "noise-static-key",
	Usage:   "hex X25519 private key for the secure channel; a random key is generated when none is given",
	EnvVars: []string{"WSM_NOISE_STATIC_KEYS"},
}
var SessionTTLFlag = &cli.DurationFlag{
	Name:    "session-ttl",
	Value:   securechannel.DefaultConfig().SessionTTL,
	Usage:   "secure channel session lifetime",
	EnvVars: []string{"WSM_SESSION_TTL"},
}
var MaxSessionsFlag = &cli.IntFlag{
	Name:    "max-sessions",
	Value:   securechannel.DefaultConfig().MaxSessions,
	Usage:   "maximum concurrent secure channel sessions",
	EnvVars: []string{"WSM_MAX_SESSIONS"},
}
var HandshakeRateFlag = &cli.Float64Flag{
	Name:    "handshake-rate",
	Value:   float64(securechannel.DefaultConfig().HandshakeRate),
	Usage:   "secure channel handshakes per second",
	EnvVars: []string{"WSM_HANDSHAKE_RATE"},
}
var HandshakeBurstFlag = &cli.IntFlag{
	Name:    "handshake-burst",
	Value:   securechannel.DefaultConfig().HandshakeBurst,
	Usage:   "secure channel handshake burst",
	EnvVars: []string{"WSM_HANDSHAKE_BURST"},
}
var AuditBudgetFlag = &cli.IntFlag{
	Name:    "audit-budget",
	Value:   auditlog.DefaultBudget,
	Usage:   "audit log byte budget per response",
	EnvVars: []string{"WSM_AUDIT_BUDGET"},
}

var AllowTestIntegrityKeyFlag = &cli.BoolFlag{
	Name:    "allow-test-integrity-key",
	Value:   false,
	Usage:   "accept use_test_key on /load-integrity-key (testing only; the test key is public)",
	EnvVars: []string{"WSM_ALLOW_TEST_INTEGRITY_KEY"},
}

var EnclaveFlags = []cli.Flag{
	ListenAddrFlag,
	AttestationModeFlag,
	RemoteAttestationAddrFlag,
	AWSKMSEndpointFlag,
	AWSKMSProxyFlag,
	VaultAddrFlag,
	VaultTokenFlag,
	VaultTransitMountFlag,
	KeeperURLFlag,
	NoiseStaticKeysFlag,
	SessionTTLFlag,
	MaxSessionsFlag,
	HandshakeRateFlag,
	HandshakeBurstFlag,
	AuditBudgetFlag,
	AllowTestIntegrityKeyFlag,
	EnclaveServiceLogFlag,
}

func setupKMS(cCtx *cli.Context) (*kms.Router, error) {
	router := kms.NewRouter().
		Register(interfaces.KMSProviderAWS, &kms.AWSKMS{
			Endpoint: cCtx.String(AWSKMSEndpointFlag.Name),
			ProxyURL: cCtx.String(AWSKMSProxyFlag.Name),
		}).
		Register(interfaces.KMSProviderKeeper, &kms.KeeperKMS{
			DefaultURI: cCtx.String(KeeperURLFlag.Name),
		})

	if addr := cCtx.String(VaultAddrFlag.Name); addr != "" {
		vault, err := kms.NewVaultKMS(addr, cCtx.String(VaultTokenFlag.Name), cCtx.String(VaultTransitMountFlag.Name))
		if err != nil {
			return nil, err
		}
		router.Register(interfaces.KMSProviderVault, vault)
	}
	return router, nil
}

func staticKeys(cCtx *cli.Context) ([]noise.DHKey, error) {
	var keys []noise.DHKey
	for i, encoded := range cCtx.StringSlice(NoiseStaticKeysFlag.Name) {
		priv, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("noise static key %d: %w", i, err)
		}
		kp, err := securechannel.StaticKeyFromPrivate(priv)
		if err != nil {
			return nil, fmt.Errorf("noise static key %d: %w", i, err)
		}
		keys = append(keys, kp)
	}
	if len(keys) == 0 {
		kp, err := securechannel.GenerateStaticKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, kp)
	}
	return keys, nil
}

func main() {
	app := &cli.App{
		Name:  "wsm-enclave",
		Usage: "Serve the wallet-signing enclave API",
		Flags: append(EnclaveFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			kmsRouter, err := setupKMS(cCtx)
			if err != nil {
				logger.Error("Failed to configure KMS", "err", err)
				return err
			}
			keys := kms.NewKeyCache(kmsRouter)

			statics, err := staticKeys(cCtx)
			if err != nil {
				logger.Error("Failed to load noise static keys", "err", err)
				return err
			}
			for _, kp := range statics {
				logger.Info("Secure channel identity", "pubkey", hex.EncodeToString(kp.Public))
			}

			channels, err := securechannel.NewManager(securechannel.Config{
				StaticKeys:     statics,
				SessionTTL:     cCtx.Duration(SessionTTLFlag.Name),
				MaxSessions:    cCtx.Int(MaxSessionsFlag.Name),
				HandshakeRate:  rate.Limit(cCtx.Float64(HandshakeRateFlag.Name)),
				HandshakeBurst: cCtx.Int(HandshakeBurstFlag.Name),
			})
			if err != nil {
				logger.Error("Failed to create secure channel manager", "err", err)
				return err
			}

			attestation, err := cryptoutils.NewAttestationProvider(cCtx.String(AttestationModeFlag.Name), cCtx.String(RemoteAttestationAddrFlag.Name), logger)
			if err != nil {
				logger.Error("Failed to create attestation provider", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(ListenAddrFlag.Name))
			metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}
			if err := metricsSrv.RegisterGauge(common.PackageName, "key_cache_entries", "Keys held in the enclave key cache.", func() float64 { return float64(keys.Len()) }); err != nil {
				return err
			}
			if err := metricsSrv.RegisterGauge(common.PackageName, "secure_channel_sessions", "Live secure channel sessions.", func() float64 { return float64(channels.Len()) }); err != nil {
				return err
			}

			allowTestKey := cCtx.Bool(AllowTestIntegrityKeyFlag.Name)
			if allowTestKey {
				logger.Warn("test integrity key is ALLOWED; grants signed with it prove nothing")
			}

			handler := enclavehandler.NewHandler(keys, channels, attestation, logger, enclavehandler.HandlerOpts{
				AuditBudget: cCtx.Int(AuditBudgetFlag.Name),
				Errors:      metricsSrv,

				AllowTestIntegrityKey: allowTestKey,
			})

			srv, err := httpserver.New(cfg, metricsSrv, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Enclave is running", "version", common.Version, "attestation", attestation.AttestationType().StringID)
			<-exit
			logger.Info("Shutdown signal received")

			srv.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
