package config

import (
	"fmt"
	"os"
	"path"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	yaml "gopkg.in/yaml.v2"
)

const (
	configDir  string = ".remdap"
	configFile string = "config.yml"

	// DefaultTableChunkSize is the number of variable keys sent in one
	// bulk fetch request when reading a table slice.
	DefaultTableChunkSize = 200
	// DefaultMaxBatchRequests is the number of bulk fetch requests kept
	// in flight at the same time.
	DefaultMaxBatchRequests = 5
	// DefaultListenerBackoff is the wait between attach listener retries
	// after an unrecognized remote failure.
	DefaultListenerBackoff = time.Second
)

// ConnectionConfig describes one remote debugger endpoint.
type ConnectionConfig struct {
	// Name is the identifier used to select this connection on the
	// command line and in attach requests.
	Name string `yaml:"name"`
	// URL is the base URL of the remote debugger API.
	URL string `yaml:"url"`
	// Username authenticates against the remote system and also scopes
	// the debuggee listener to debuggees started by this user.
	Username string `yaml:"username"`
	// Password for basic authentication. Empty means prompt.
	Password string `yaml:"password,omitempty"`
	// Client is the remote system client/tenant identifier, if any.
	Client string `yaml:"client,omitempty"`
	// TerminalID identifies this machine to the remote debugger. When
	// empty a random id is generated and persisted by the first run.
	TerminalID string `yaml:"terminal-id,omitempty"`
}

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Connections is the list of configured remote debugger endpoints.
	Connections []ConnectionConfig `yaml:"connections"`

	// TableChunkSize is the maximum number of keys per bulk fetch request.
	TableChunkSize int `yaml:"table-chunk-size,omitempty"`
	// MaxBatchRequests is the maximum number of bulk fetch requests in
	// flight at once.
	MaxBatchRequests int `yaml:"max-batch-requests,omitempty"`
	// ListenerBackoff is the wait between listener retries after an
	// unrecognized failure, e.g. "1s".
	ListenerBackoff string `yaml:"listener-backoff,omitempty"`
}

// BackoffInterval returns the parsed listener backoff, falling back to the
// default when unset or unparsable.
func (c *Config) BackoffInterval() time.Duration {
	if c.ListenerBackoff == "" {
		return DefaultListenerBackoff
	}
	d, err := time.ParseDuration(c.ListenerBackoff)
	if err != nil || d <= 0 {
		return DefaultListenerBackoff
	}
	return d
}

// ChunkSize returns the configured table chunk size or the default.
func (c *Config) ChunkSize() int {
	if c.TableChunkSize <= 0 {
		return DefaultTableChunkSize
	}
	return c.TableChunkSize
}

// BatchLimit returns the configured request concurrency cap or the default.
func (c *Config) BatchLimit() int {
	if c.MaxBatchRequests <= 0 {
		return DefaultMaxBatchRequests
	}
	return c.MaxBatchRequests
}

// ConnectionNamed returns the connection with the given name.
func (c *Config) ConnectionNamed(name string) (*ConnectionConfig, bool) {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i], true
		}
	}
	return nil, false
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v\n", err)
			return &Config{}
		}
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Closing config file failed: %v.\n", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.\n", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)
		return &Config{}
	}
	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	_, err = f.Seek(0, os.SEEK_SET)
	return f, err
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the remdap remote debug bridge.

# Remote debugger endpoints. Example:
# connections:
#   - name: dev
#     url: https://dev.example.com:44300
#     username: DEVELOPER
#     client: "001"
connections: []

# Uncomment to override bulk fetch tuning.
# table-chunk-size: 200
# max-batch-requests: 5
# listener-backoff: 1s
`)
	return err
}

func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path of the given config file name.
func GetConfigFilePath(file string) (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return path.Join(home, configDir, file), nil
}
