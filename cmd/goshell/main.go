// Command goshell is an interactive SSH client built on the pinch
// transport, authentication and channel multiplexer packages: pick a
// host from a YAML config file (or pass one on the command line) and
// get an interactive shell, matching the teacher's terminal-attach flow
// but restructured around cobra subcommands and a real terminal raw-mode
// session instead of the teacher's single main().
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mhekkel/pinch"
	"github.com/mhekkel/pinch/auth"
	"github.com/mhekkel/pinch/internal/config"
	"github.com/mhekkel/pinch/knownhosts"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "goshell [host-alias]",
		Short:   "goshell is an SSH client for hosts defined in a YAML config file",
		Version: Version,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			alias, err := selectHost(cfg, args)
			if err != nil {
				return err
			}
			return runInteractiveSession(cfg.Hosts[alias])
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the host configuration file")

	root.AddCommand(listHostsCmd(&configPath))
	root.AddCommand(execCmd(&configPath))
	root.AddCommand(initConfigCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "goshell:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".goshell.yaml")
	}
	return "goshell.yaml"
}

func listHostsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-hosts",
		Short: "List the host aliases defined in the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if len(cfg.Hosts) == 0 {
				fmt.Println("No hosts configured. Run 'goshell init-config' to get started.")
				return nil
			}
			for alias, h := range cfg.Hosts {
				fmt.Printf("%-20s %s@%s:%d\n", alias, h.User, h.Hostname, h.Port)
			}
			return nil
		},
	}
}

func initConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil {
				return fmt.Errorf("%s already exists", *configPath)
			}
			cfg := config.Default()
			cfg.Hosts["example"] = config.HostConfig{
				Hostname:               "example.com",
				Port:                   22,
				User:                   "alice",
				KeybasedAuthentication: true,
				IdentityFile:           "~/.ssh/id_ed25519",
			}
			if err := config.Save(*configPath, cfg); err != nil {
				return err
			}
			fmt.Println("Wrote sample configuration to", *configPath)
			return nil
		},
	}
}

func execCmd(configPath *string) *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "exec [host-alias]",
		Short: "Run a single command on a host and print its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			alias, err := selectHost(cfg, args)
			if err != nil {
				return err
			}
			return runExec(cfg.Hosts[alias], command)
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "command to execute remotely")
	cmd.MarkFlagRequired("command")
	return cmd
}

func selectHost(cfg *config.Config, args []string) (string, error) {
	if len(args) == 1 {
		if _, ok := cfg.Hosts[args[0]]; !ok {
			return "", fmt.Errorf("host %q not found in configuration", args[0])
		}
		return args[0], nil
	}
	if len(cfg.Hosts) == 0 {
		return "", fmt.Errorf("no hosts configured; run 'goshell init-config'")
	}
	fmt.Println("Available hosts:")
	for alias := range cfg.Hosts {
		fmt.Println(" -", alias)
	}
	fmt.Print("Select a host: ")
	var choice string
	fmt.Scanln(&choice)
	if _, ok := cfg.Hosts[choice]; !ok {
		return "", fmt.Errorf("host %q not found in configuration", choice)
	}
	return choice, nil
}

func dialHost(h config.HostConfig) (*pinch.Conn, error) {
	authCfg := auth.Config{User: h.User}

	if h.KeybasedAuthentication && h.IdentityFile != "" {
		signer, err := loadIdentitySigner(h.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("loading identity %s: %w", h.IdentityFile, err)
		}
		authCfg.Signers = append(authCfg.Signers, signer)
	}
	authCfg.Password = func() (string, error) {
		fmt.Printf("%s@%s's password: ", h.User, h.Hostname)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		return string(pw), err
	}

	cb, err := hostKeyCallback()
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", h.Hostname, h.Port)
	clientCfg := &pinch.ClientConfig{
		User:              h.User,
		Auth:              authCfg,
		HostKeyCallback:   cb,
		KeepAliveInterval: h.KeepAliveInterval,
	}

	if h.ProxyCommand != "" {
		return pinch.DialProxyCommand(h.ProxyCommand, h.Hostname, h.Port, h.User, clientCfg)
	}
	return pinch.Dial("tcp", addr, clientCfg)
}

func hostKeyCallback() (pinch.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return pinch.InsecureIgnoreHostKey(), nil
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return pinch.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(path)
}

func runInteractiveSession(h config.HostConfig) error {
	conn, err := dialHost(h)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.OpenChannel("session", nil)
	if err != nil {
		return fmt.Errorf("opening session channel: %w", err)
	}

	cols, rows := 80, 24
	if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
		cols, rows = w, h
	}
	if ok, err := ch.PtyRequest(termEnv(), uint32(cols), uint32(rows), 0, 0, nil); err != nil || !ok {
		return fmt.Errorf("pty-req failed: %w", err)
	}
	if ok, err := ch.Shell(); err != nil || !ok {
		return fmt.Errorf("shell request failed: %w", err)
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err == nil {
		defer term.Restore(fd, oldState)
	}

	resize := make(chan os.Signal, 1)
	signal.Notify(resize, sigwinch)
	go watchResize(ch, fd, resize)

	go copyInput(ch, os.Stdin)
	copyOutput(os.Stdout, ch)
	return nil
}

func termEnv() string {
	if t := os.Getenv("TERM"); t != "" {
		return t
	}
	return "xterm-256color"
}

func runExec(h config.HostConfig, command string) error {
	conn, err := dialHost(h)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.OpenChannel("session", nil)
	if err != nil {
		return fmt.Errorf("opening session channel: %w", err)
	}
	if ok, err := ch.Exec(command); err != nil || !ok {
		return fmt.Errorf("exec failed: %w", err)
	}

	done := make(chan struct{})
	go func() {
		copyOutput(os.Stdout, ch)
		close(done)
	}()
	buf := make([]byte, 4096)
	for {
		n, err := ch.ReadExtended(buf)
		if n > 0 {
			os.Stderr.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	<-done
	return nil
}

func copyInput(ch *pinch.Channel, r *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			ch.CloseWrite()
			return
		}
	}
}

func copyOutput(w *os.File, ch *pinch.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func watchResize(ch *pinch.Channel, fd int, sig chan os.Signal) {
	for range sig {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			continue
		}
		payload := windowChangePayload(uint32(cols), uint32(rows))
		ch.Request("window-change", false, payload)
	}
}

func windowChangePayload(cols, rows uint32) []byte {
	b := make([]byte, 16)
	putUint32(b[0:4], cols)
	putUint32(b[4:8], rows)
	putUint32(b[8:12], 0)
	putUint32(b[12:16], 0)
	return b
}

func putUint32(b []byte, n uint32) {
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
}

