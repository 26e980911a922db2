// Package wizard provides an interactive setup wizard for the tunnel.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/tuic-go/tuic/internal/certutil"
	"github.com/tuic-go/tuic/internal/config"
	"gopkg.in/yaml.v3"
)

// Role selects which side of the tunnel the wizard configures.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	Role       string
	CertsDir   string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	role, configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	var certsDir string

	switch role {
	case RoleClient:
		if err := w.askClientSetup(cfg); err != nil {
			return nil, err
		}
		if err := w.askClientTLS(cfg); err != nil {
			return nil, err
		}
		if err := w.askSOCKS5(cfg); err != nil {
			return nil, err
		}
	case RoleServer:
		if err := w.askServerSetup(cfg); err != nil {
			return nil, err
		}
		certsDir, err = w.askServerTLS(cfg)
		if err != nil {
			return nil, err
		}
	}

	if err := w.askAdvancedOptions(cfg); err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(role, configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		Role:       role,
		CertsDir:   certsDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _____ _   _ ___ ____
 |_   _| | | |_ _/ ___|
   | | | | | || | |
   | | | |_| || | |___
   |_|  \___/|___\____|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  QUIC Tunnel Proxy - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (role, configPath string, err error) {
	role = RoleClient
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose which side of the tunnel to configure."),

			huh.NewSelect[string]().
				Title("Role").
				Options(
					huh.NewOption("Client (local SOCKS5 proxy)", RoleClient),
					huh.NewOption("Server (remote relay)", RoleServer),
				).
				Value(&role),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askClientSetup(cfg *config.Config) error {
	cfg.Client.UUID = uuid.NewString()
	relayMode := cfg.Client.UDPRelayMode

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server Connection").
				Description("Configure the tunnel server to connect to."),

			huh.NewInput().
				Title("Server Address").
				Description("Address of the tunnel server (host:port)").
				Placeholder("server.example.com:443").
				Value(&cfg.Client.Server).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("server address is required")
					}
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewInput().
				Title("UUID").
				Description("Your user identity on the server").
				Value(&cfg.Client.UUID).
				Validate(func(s string) error {
					if uuid.Validate(s) != nil {
						return fmt.Errorf("must be a valid UUID")
					}
					return nil
				}),

			huh.NewInput().
				Title("Password").
				Description("Your user secret on the server").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Client.Password).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("password is required")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("UDP Relay Mode").
				Description("Native uses QUIC datagrams, quic uses reliable streams").
				Options(
					huh.NewOption("Native (lossy, lowest latency)", "native"),
					huh.NewOption("QUIC (reliable, fragments large packets)", "quic"),
				).
				Value(&relayMode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Client.UDPRelayMode = relayMode
	return nil
}

func (w *Wizard) askClientTLS(cfg *config.Config) error {
	var verify string = "system"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Verification").
				Description("How to verify the server certificate."),

			huh.NewSelect[string]().
				Title("Certificate Verification").
				Options(
					huh.NewOption("System root CAs", "system"),
					huh.NewOption("Pinned CA file (self-signed servers)", "pinned"),
					huh.NewOption("Skip verification (testing only)", "insecure"),
				).
				Value(&verify),

			huh.NewInput().
				Title("SNI Override (optional)").
				Description("Server name for TLS, defaults to the server host").
				Value(&cfg.Client.TLS.SNI),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	switch verify {
	case "pinned":
		caPath := "./ca.crt"
		caForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("CA Certificate File").
					Placeholder("./ca.crt").
					Value(&caPath).
					Validate(func(s string) error {
						if _, err := os.Stat(s); os.IsNotExist(err) {
							return fmt.Errorf("file not found: %s", s)
						}
						return nil
					}),
			),
		).WithTheme(w.theme)
		if err := caForm.Run(); err != nil {
			return err
		}
		cfg.Client.TLS.CA = caPath
	case "insecure":
		cfg.Client.TLS.InsecureSkipVerify = true
	}

	return nil
}

func (w *Wizard) askSOCKS5(cfg *config.Config) error {
	var enableAuth bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("SOCKS5 Proxy").
				Description("Configure the local SOCKS5 ingress."),

			huh.NewInput().
				Title("Listen Address").
				Description("Address for the local SOCKS5 proxy").
				Placeholder("127.0.0.1:1080").
				Value(&cfg.Client.SOCKS5.Address).
				Validate(func(s string) error {
					_, _, err := net.SplitHostPort(s)
					return err
				}),

			huh.NewConfirm().
				Title("Enable authentication?").
				Description("Require username/password for SOCKS5").
				Value(&enableAuth),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if enableAuth {
		var username, password string
		authForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Username").
					Value(&username).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("username required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&password).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("password required")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := authForm.Run(); err != nil {
			return err
		}

		cfg.Client.SOCKS5.Users = []config.UserAuth{{
			Username: username,
			Password: password,
		}}
	}

	return nil
}

func (w *Wizard) askServerSetup(cfg *config.Config) error {
	cfg.Server.Listen = "0.0.0.0:443"
	var udpRate string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server Setup").
				Description("Configure the tunnel server listener."),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP address and port to listen on").
				Placeholder("0.0.0.0:443").
				Value(&cfg.Server.Listen).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("listen address is required")
					}
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewInput().
				Title("UDP Rate Limit").
				Description("Packets per second per association, 0 = unlimited").
				Placeholder("0").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					r, err := strconv.ParseFloat(s, 64)
					if err != nil || r < 0 {
						return fmt.Errorf("must be a non-negative number")
					}
					udpRate = s
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if udpRate != "" {
		cfg.Server.UDPRate, _ = strconv.ParseFloat(udpRate, 64)
	}

	return w.askServerUsers(cfg)
}

func (w *Wizard) askServerUsers(cfg *config.Config) error {
	addMore := true

	for addMore {
		user := config.UserConfig{UUID: uuid.NewString()}

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewNote().
					Title(fmt.Sprintf("User #%d", len(cfg.Server.Users)+1)).
					Description("Each client authenticates with a UUID and password."),

				huh.NewInput().
					Title("UUID").
					Value(&user.UUID).
					Validate(func(s string) error {
						if uuid.Validate(s) != nil {
							return fmt.Errorf("must be a valid UUID")
						}
						return nil
					}),

				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&user.Password).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("password required")
						}
						return nil
					}),

				huh.NewConfirm().
					Title("Add another user?").
					Value(&addMore),
			),
		).WithTheme(w.theme)

		if err := form.Run(); err != nil {
			return err
		}

		cfg.Server.Users = append(cfg.Server.Users, user)
	}

	return nil
}

func (w *Wizard) askServerTLS(cfg *config.Config) (string, error) {
	certsDir := "./certs"
	var tlsChoice string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("The QUIC listener requires a certificate.\nYou can generate a self-signed one or use existing files."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate a self-signed certificate", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&tlsChoice),

			huh.NewInput().
				Title("Certificates Directory").
				Description("Where to store/find certificate files").
				Placeholder(certsDir).
				Value(&certsDir),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return certsDir, err
	}

	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return certsDir, fmt.Errorf("failed to create certs directory: %w", err)
	}

	switch tlsChoice {
	case "generate":
		return certsDir, w.generateCertificate(certsDir, cfg)
	case "existing":
		return certsDir, w.useExistingCertificate(certsDir, cfg)
	}
	return certsDir, nil
}

func (w *Wizard) generateCertificate(certsDir string, cfg *config.Config) error {
	commonName := "tuic-server"
	validDays := 365

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Certificate").
				Description("A self-signed server certificate will be generated.\nClients should pin it via tls.ca."),

			huh.NewInput().
				Title("Common Name").
				Description("Name for the certificate (e.g., hostname)").
				Placeholder("tuic-server").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Description("How long the certificate should be valid").
				Placeholder("365").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					validDays = d
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	opts := certutil.DefaultServerOptions(commonName)
	opts.ValidFor = time.Duration(validDays) * 24 * time.Hour

	cert, err := certutil.GenerateCert(opts)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}

	fmt.Printf("\n✓ Generated server certificate: %s\n", certPath)
	fmt.Printf("  Fingerprint: %s\n", cert.Fingerprint())
	fmt.Printf("  Copy %s to clients and set client.tls.ca to pin it.\n\n", certPath)

	cfg.Server.TLS.Cert = certPath
	cfg.Server.TLS.Key = keyPath
	return nil
}

func (w *Wizard) useExistingCertificate(certsDir string, cfg *config.Config) error {
	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Existing Certificate").
				Description("Specify paths to your existing certificate files."),

			huh.NewInput().
				Title("Certificate File").
				Placeholder(certPath).
				Value(&certPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),

			huh.NewInput().
				Title("Private Key File").
				Placeholder(keyPath).
				Value(&keyPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Server.TLS.Cert = certPath
	cfg.Server.TLS.Key = keyPath
	return nil
}

func (w *Wizard) askAdvancedOptions(cfg *config.Config) error {
	logLevel := cfg.Log.Level
	healthEnabled := cfg.Health.Enabled

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/health, /metrics)").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Log.Level = logLevel
	cfg.Health.Enabled = healthEnabled
	if healthEnabled && cfg.Health.Address == "" {
		cfg.Health.Address = "127.0.0.1:8080"
	}

	return nil
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# TUIC tunnel configuration
# Generated by the setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(role, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Role:         %s\n", role)
	fmt.Printf("  Config file:  %s\n", configPath)

	switch role {
	case RoleClient:
		fmt.Printf("  Server:       %s\n", cfg.Client.Server)
		fmt.Printf("  UUID:         %s\n", cfg.Client.UUID)
		fmt.Printf("  SOCKS5:       %s\n", cfg.Client.SOCKS5.Address)
	case RoleServer:
		fmt.Printf("  Listen:       %s\n", cfg.Server.Listen)
		fmt.Printf("  Users:        %d\n", len(cfg.Server.Users))
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the tunnel:")
	fmt.Printf("    tuic %s -c %s\n", role, configPath)
	fmt.Println()
}
