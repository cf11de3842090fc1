// Package config loads the gateway settings from flags, the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gcsgate/internal/credentials"
	"gcsgate/internal/pool"
	"gcsgate/internal/remote"

	"github.com/spf13/viper"
)

// Setting keys. Each is also read from the upper-cased environment variable
// of the same name (HOST, PORT, SERVICE_ACCOUNT, ...).
const (
	KeyHost               = "host"
	KeyPort               = "port"
	KeyServiceAccount     = "service_account"
	KeyServiceAccountFile = "service_account_file"
	KeyWorkDir            = "work_dir"
	KeyWorkers            = "workers"
	KeyBackend            = "backend"
	KeyAPIBase            = "api_base"
	KeyUploadBase         = "upload_base"
	KeyS3Endpoint         = "s3_endpoint"
	KeyS3AccessKey        = "s3_access_key"
	KeyS3SecretKey        = "s3_secret_key"
	KeyS3Region           = "s3_region"
	KeyS3Insecure         = "s3_insecure"
	KeyJournalPath        = "journal_path"
	KeyLogLevel           = "log_level"
	KeyShutdownTimeout    = "shutdown_timeout"
)

// Backends.
const (
	BackendJSON = "json"
	BackendS3   = "s3"
)

// Settings is the validated gateway configuration.
type Settings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// ServiceAccount is the raw JSON key document. ServiceAccountFile, when
	// set, names a file holding it instead.
	ServiceAccount     string `mapstructure:"service_account"`
	ServiceAccountFile string `mapstructure:"service_account_file"`

	WorkDir string `mapstructure:"work_dir"`
	Workers int    `mapstructure:"workers"`

	Backend    string `mapstructure:"backend"`
	APIBase    string `mapstructure:"api_base"`
	UploadBase string `mapstructure:"upload_base"`

	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`
	S3Insecure  bool   `mapstructure:"s3_insecure"`

	JournalPath     string        `mapstructure:"journal_path"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHost, "0.0.0.0")
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyServiceAccount, "")
	v.SetDefault(KeyServiceAccountFile, "")
	v.SetDefault(KeyWorkDir, "./upload")
	v.SetDefault(KeyWorkers, pool.DefaultSize)
	v.SetDefault(KeyBackend, BackendJSON)
	v.SetDefault(KeyAPIBase, remote.DefaultAPIBase)
	v.SetDefault(KeyUploadBase, remote.DefaultUploadBase)
	v.SetDefault(KeyS3Endpoint, "storage.googleapis.com")
	v.SetDefault(KeyS3AccessKey, "")
	v.SetDefault(KeyS3SecretKey, "")
	v.SetDefault(KeyS3Region, "")
	v.SetDefault(KeyS3Insecure, false)
	v.SetDefault(KeyJournalPath, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyShutdownTimeout, 30*time.Second)
}

// ReadEnvFile merges a dotenv file into v. A missing file is not an error
// unless required is set.
func ReadEnvFile(v *viper.Viper, path string, required bool) error {
	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.MergeInConfig(); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// Load reads the settings from v, which should have its defaults and flags
// registered, and validates them.
func Load(v *viper.Viper) (Settings, error) {
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings for consistency. It never reads the
// credential files.
func (s Settings) Validate() error {
	var errs []error

	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", KeyPort, s.Port))
	}
	if strings.TrimSpace(s.WorkDir) == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyWorkDir))
	}
	if s.Workers < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyWorkers))
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyShutdownTimeout))
	}

	switch s.Backend {
	case BackendJSON:
		if s.ServiceAccount == "" && s.ServiceAccountFile == "" {
			errs = append(errs, fmt.Errorf("one of %s or %s is required", strings.ToUpper(KeyServiceAccount), strings.ToUpper(KeyServiceAccountFile)))
		}
	case BackendS3:
		if s.S3Endpoint == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s backend", KeyS3Endpoint, BackendS3))
		}
		if _, err := credentials.ParseHMACKey(s.S3AccessKey, s.S3SecretKey); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown %s %q (want %s or %s)", KeyBackend, s.Backend, BackendJSON, BackendS3))
	}

	return errors.Join(errs...)
}

// Addr is the listen address.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Secret returns the raw service-account document.
func (s Settings) Secret() ([]byte, error) {
	if s.ServiceAccountFile != "" {
		b, err := os.ReadFile(s.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	}
	return []byte(s.ServiceAccount), nil
}

// Connector returns the remote connector for the configured backend.
func (s Settings) Connector() (remote.Connector, error) {
	switch s.Backend {
	case BackendS3:
		return &remote.S3Connector{
			Endpoint:  s.S3Endpoint,
			AccessKey: s.S3AccessKey,
			SecretKey: s.S3SecretKey,
			Region:    s.S3Region,
			Secure:    !s.S3Insecure,
		}, nil
	case BackendJSON:
		secret, err := s.Secret()
		if err != nil {
			return nil, err
		}
		return remote.NewJSONConnector(secret, remote.WithEndpoints(remote.Endpoints{
			APIBase:    s.APIBase,
			UploadBase: s.UploadBase,
		})), nil
	default:
		return nil, fmt.Errorf("unknown %s %q", KeyBackend, s.Backend)
	}
}
