package configs

import (
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string
		Env      string
		LogLevel string
	}
	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
	}
	WebSocket struct {
		PingInterval   string
		MaxMessageSize int
	}
	Auth struct {
		SecretKey string
	}
	Auction struct {
		// Anti-sniping settings, in minutes. A bid landing within
		// AntiSnipingTrigger of the close pushes the end time out by
		// AntiSnipingExtension.
		AntiSnipingTrigger   int
		AntiSnipingExtension int
		SweepInterval        string
	}
}

// AntiSnipingWindow returns the trigger window and extension as
// durations, falling back silently to 5 and 10 minutes when unset.
func (c *Config) AntiSnipingWindow() (trigger, extension time.Duration) {
	trigger = time.Duration(c.Auction.AntiSnipingTrigger) * time.Minute
	extension = time.Duration(c.Auction.AntiSnipingExtension) * time.Minute
	if trigger <= 0 {
		trigger = 5 * time.Minute
	}
	if extension <= 0 {
		extension = 10 * time.Minute
	}
	return trigger, extension
}

func LoadConfig() (*Config, error) {
	// Load .env file
	if err := godotenv.Load("./configs/.env"); err != nil {
		log.Info("No .env file found")
	}

	viper.SetConfigName("config")    // Name of the config file (without extension)
	viper.SetConfigType("yaml")      // Config file type
	viper.AddConfigPath("./configs") // Path to look for the config file
	viper.AutomaticEnv()             // Automatically map environment variables

	// Allow dots in environment variables to map to nested keys
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("auction.antisnipingtrigger", 5)
	viper.SetDefault("auction.antisnipingextension", 10)
	viper.SetDefault("auction.sweepinterval", "30s")

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	// Manually substitute environment variables in the config
	substituteEnvVarsInConfig()

	// Unmarshal the config into a struct
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Helper function to manually replace environment variables in config file values
func substituteEnvVarsInConfig() {
	for _, key := range viper.AllKeys() {
		value := viper.GetString(key)

		// Check if the value contains environment variable syntax (e.g., ${PORT})
		if strings.Contains(value, "${") {
			replacedValue := os.Expand(value, func(name string) string {
				return os.Getenv(name)
			})
			viper.Set(key, replacedValue)
		}
	}
}
