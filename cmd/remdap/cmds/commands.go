package cmds

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	survey "gopkg.in/AlecAivazis/survey.v1"

	"github.com/remdap/remdap/pkg/config"
	"github.com/remdap/remdap/pkg/logflags"
	"github.com/remdap/remdap/pkg/version"
	"github.com/remdap/remdap/service"
	"github.com/remdap/remdap/service/dap"
)

var (
	// log is whether to enable debug logging.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// addr is the DAP listen address.
	addr string

	conf *config.Config
)

const remdapLongDesc = `Remdap bridges a local DAP editor to a remote debugger API.

It accepts one Debug Adapter Protocol connection from the editor, registers a
listener for debuggees on the configured remote system, and translates stack,
variable and breakpoint requests into remote API calls for the debuggee that
gets caught.

Remote endpoints are configured in ~/.remdap/config.yml.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "remdap",
		Short: "Remdap is a DAP bridge for remote debugger APIs.",
		Long:  remdapLongDesc,
	}
	rootCommand.PersistentFlags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "DAP server listen address.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (dap, rpc, listener).")

	connectCommand := &cobra.Command{
		Use:   "connect [connection]",
		Short: "Start the DAP server against a configured remote connection.",
		Long: `Start a DAP server bridging to the named remote connection.

With a single configured connection the name may be omitted. The server
accepts one editor connection and exits when it disconnects.`,
		Run: connectCmd,
	}
	rootCommand.AddCommand(connectCommand)

	connectionsCommand := &cobra.Command{
		Use:   "connections",
		Short: "List configured remote connections.",
		Run:   connectionsCmd,
	}
	rootCommand.AddCommand(connectionsCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Remdap Debug Bridge\n%s\n", version.RemdapVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func connectCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}

		conn, err := selectConnection(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if conn.Password == "" {
			if err := promptPassword(conn); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				return 1
			}
		}
		terminalID, err := ensureTerminalID(conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Printf("couldn't start listener: %s\n", err)
			return 1
		}
		disconnectChan := make(chan struct{})
		server := dap.NewServer(&service.Config{
			Listener:         listener,
			Connection:       *conn,
			TerminalID:       terminalID,
			TableChunkSize:   conf.ChunkSize(),
			MaxBatchRequests: conf.BatchLimit(),
			ListenerBackoff:  conf.BackoffInterval(),
			DisconnectChan:   disconnectChan,
		})
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(disconnectChan)
		return 0
	}()
	os.Exit(status)
}

// selectConnection resolves the connection to bridge to: by name when given,
// implicitly when only one is configured, interactively on a terminal
// otherwise.
func selectConnection(args []string) (*config.ConnectionConfig, error) {
	if len(conf.Connections) == 0 {
		path, _ := config.GetConfigFilePath("config.yml")
		return nil, fmt.Errorf("no connections configured, add one to %s", path)
	}
	if len(args) > 0 {
		conn, ok := conf.ConnectionNamed(args[0])
		if !ok {
			return nil, fmt.Errorf("no connection named %q", args[0])
		}
		return conn, nil
	}
	if len(conf.Connections) == 1 {
		return &conf.Connections[0], nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil, fmt.Errorf("multiple connections configured, name one explicitly")
	}
	names := make([]string, len(conf.Connections))
	for i := range conf.Connections {
		names[i] = conf.Connections[i].Name
	}
	var choice string
	question := &survey.Select{
		Message: "Select a connection:",
		Options: names,
	}
	if err := survey.AskOne(question, &choice, survey.Required); err != nil {
		return nil, err
	}
	conn, _ := conf.ConnectionNamed(choice)
	return conn, nil
}

func promptPassword(conn *config.ConnectionConfig) error {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("connection %q has no password configured and stdin is not a terminal", conn.Name)
	}
	question := &survey.Password{
		Message: fmt.Sprintf("Password for %s@%s:", conn.Username, conn.Name),
	}
	return survey.AskOne(question, &conn.Password, survey.Required)
}

// ensureTerminalID returns the persisted terminal id of this machine for the
// connection, generating and saving one on first use.
func ensureTerminalID(conn *config.ConnectionConfig) (string, error) {
	if conn.TerminalID != "" {
		return conn.TerminalID, nil
	}
	conn.TerminalID = uuid.NewString()
	if err := config.SaveConfig(conf); err != nil {
		return "", fmt.Errorf("persisting terminal id: %v", err)
	}
	return conn.TerminalID, nil
}

func connectionsCmd(cmd *cobra.Command, args []string) {
	if len(conf.Connections) == 0 {
		fmt.Println("No connections configured.")
		return
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
	name := color.New(color.FgCyan, color.Bold).SprintFunc()
	for _, c := range conf.Connections {
		line := fmt.Sprintf("%s\t%s", name(c.Name), c.URL)
		if c.Username != "" {
			line += "\t" + c.Username
		}
		if c.Client != "" {
			line += "\tclient " + c.Client
		}
		fmt.Println(line)
	}
}

// waitForDisconnectSignal blocks until either SIGINT arrives or the server
// closes disconnectChan because the editor went away.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}
