// Package main provides the CLI entry point for the TUIC tunnel.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tuic-go/tuic/internal/certutil"
	"github.com/tuic-go/tuic/internal/config"
	"github.com/tuic-go/tuic/internal/health"
	"github.com/tuic-go/tuic/internal/logging"
	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/relay"
	"github.com/tuic-go/tuic/internal/socks5"
	"github.com/tuic-go/tuic/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tuic",
		Short: "TUIC - QUIC tunnel proxy",
		Long: `TUIC tunnels TCP connections and UDP packets through a single
QUIC connection to a remote relay server.

The client side exposes a local SOCKS5 proxy; the server side
authenticates clients and relays their traffic to the open
internet.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(gencertCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Generate a configuration file through an interactive setup wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func clientCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the tunnel client",
		Long:  "Connect to the relay server and expose a local SOCKS5 proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.Default()

			tlsConf, err := clientTLSConfig(cfg)
			if err != nil {
				return err
			}

			rc := relay.NewClient(relay.ClientConfig{
				Server:       cfg.Client.Server,
				UUID:         cfg.Client.UUID,
				Password:     cfg.Client.Password,
				UDPRelayMode: cfg.Client.UDPRelayMode,
				Heartbeat:    cfg.Client.Heartbeat,
				GCInterval:   cfg.Client.GCInterval,
				GCLifetime:   cfg.Client.GCLifetime,
				DatagramMTU:  cfg.Client.DatagramMTU,
				TLSConfig:    tlsConf,
				Logger:       logger,
				Metrics:      m,
			})

			if err := rc.Start(context.Background()); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			socksSrv := socks5.NewServer(socks5.ServerConfig{
				Address:        cfg.Client.SOCKS5.Address,
				MaxConnections: cfg.Client.SOCKS5.MaxConnections,
				Authenticators: socksAuthenticators(cfg.Client.SOCKS5),
				Dialer:         &tunnelDialer{client: rc},
				UDPRelay:       &tunnelUDPRelay{client: rc},
				Logger:         logger,
				Metrics:        m,
			})
			if err := socksSrv.Start(); err != nil {
				rc.Stop()
				return fmt.Errorf("failed to start SOCKS5 server: %w", err)
			}

			var healthSrv *health.Server
			if cfg.Health.Enabled {
				healthSrv = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, &clientStats{relay: rc, socks: socksSrv})
				if err := healthSrv.Start(); err != nil {
					socksSrv.Stop()
					rc.Stop()
					return fmt.Errorf("failed to start health server: %w", err)
				}
			}

			fmt.Printf("Connected to %s\n", cfg.Client.Server)
			fmt.Printf("SOCKS5 proxy: %s\n", socksSrv.Address())
			if healthSrv != nil {
				fmt.Printf("Health endpoint: http://%s/health\n", cfg.Health.Address)
			}

			waitForSignal()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if healthSrv != nil {
				healthSrv.Stop()
			}
			socksSrv.StopWithContext(ctx)
			if err := rc.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Client stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func serverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the relay server",
		Long:  "Start the relay server that terminates client tunnels.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.Default()

			cert, err := certutil.LoadCert(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
			if err != nil {
				return fmt.Errorf("failed to load certificate: %w", err)
			}
			tlsCert, err := cert.TLSCertificate()
			if err != nil {
				return fmt.Errorf("failed to build TLS certificate: %w", err)
			}

			users := make([]relay.UserCredential, 0, len(cfg.Server.Users))
			for _, u := range cfg.Server.Users {
				users = append(users, relay.UserCredential{UUID: u.UUID, Password: u.Password})
			}

			srv := relay.NewServer(relay.ServerConfig{
				Listen:      cfg.Server.Listen,
				Users:       users,
				AuthTimeout: cfg.Server.AuthTimeout,
				UDPRate:     cfg.Server.UDPRate,
				GCInterval:  cfg.Server.GCInterval,
				GCLifetime:  cfg.Server.GCLifetime,
				DatagramMTU: cfg.Server.DatagramMTU,
				TLSConfig: &tls.Config{
					Certificates: []tls.Certificate{tlsCert},
					MinVersion:   tls.VersionTLS13,
				},
				Logger:  logger,
				Metrics: m,
			})

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			var healthSrv *health.Server
			if cfg.Health.Enabled {
				healthSrv = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, srv)
				if err := healthSrv.Start(); err != nil {
					srv.Stop()
					return fmt.Errorf("failed to start health server: %w", err)
				}
			}

			fmt.Printf("Relay server listening on %s\n", srv.Addr())
			fmt.Printf("Certificate fingerprint: %s\n", cert.Fingerprint())
			if healthSrv != nil {
				fmt.Printf("Health endpoint: http://%s/health\n", cfg.Health.Address)
			}

			waitForSignal()

			if healthSrv != nil {
				healthSrv.Stop()
			}
			if err := srv.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func gencertCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
		dnsNames   []string
		ipAddrs    []string
	)

	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed server certificate",
		Long: `Generate a self-signed ECDSA certificate for the relay server.
Clients can pin it by pointing client.tls.ca at the certificate file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certutil.DefaultServerOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour
			opts.DNSNames = append(opts.DNSNames, dnsNames...)
			for _, s := range ipAddrs {
				ip := net.ParseIP(s)
				if ip == nil {
					return fmt.Errorf("invalid IP address: %s", s)
				}
				opts.IPAddresses = append(opts.IPAddresses, ip)
			}

			cert, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}

			if err := os.MkdirAll(outDir, 0700); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			certPath := filepath.Join(outDir, "server.crt")
			keyPath := filepath.Join(outDir, "server.key")
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save certificate: %w", err)
			}

			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Private key: %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "tuic-server", "Certificate common name")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")
	cmd.Flags().StringSliceVar(&dnsNames, "dns", nil, "Additional DNS SANs")
	cmd.Flags().StringSliceVar(&ipAddrs, "ip", nil, "Additional IP SANs")

	return cmd
}

// clientTLSConfig builds the TLS client configuration from the config file.
func clientTLSConfig(cfg *config.Config) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(cfg.Client.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}

	tlsConf := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS13,
	}
	if cfg.Client.TLS.SNI != "" {
		tlsConf.ServerName = cfg.Client.TLS.SNI
	}
	if cfg.Client.TLS.CA != "" {
		pool, err := certutil.LoadCertPool(cfg.Client.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA: %w", err)
		}
		tlsConf.RootCAs = pool
	}
	if cfg.Client.TLS.InsecureSkipVerify {
		tlsConf.InsecureSkipVerify = true
	}

	return tlsConf, nil
}

// socksAuthenticators builds the SOCKS5 authenticator list. Configured
// users make username/password mandatory.
func socksAuthenticators(cfg config.SOCKS5Config) []socks5.Authenticator {
	if len(cfg.Users) == 0 {
		return nil
	}
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u.Password
	}
	return socks5.BuildAuthenticators(users, true)
}

// tunnelDialer routes SOCKS5 CONNECT requests through the relay client.
type tunnelDialer struct {
	client *relay.Client
}

func (d *tunnelDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d *tunnelDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.client.Dial(ctx, address)
}

// tunnelUDPRelay opens tunnel associations for SOCKS5 UDP ASSOCIATE.
type tunnelUDPRelay struct {
	client *relay.Client
}

func (r *tunnelUDPRelay) Associate() (socks5.UDPSession, error) {
	return r.client.Associate()
}

// clientStats reports combined relay and SOCKS5 health.
type clientStats struct {
	relay *relay.Client
	socks *socks5.Server
}

func (p *clientStats) IsRunning() bool {
	return p.relay.IsRunning()
}

func (p *clientStats) Stats() health.Stats {
	st := p.relay.Stats()
	st.SOCKS5Running = p.socks.IsRunning()
	return st
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
}
