package env

import (
	"context"
	"os"
	"strings"

	"github.com/casework/precache/logger"
	"github.com/casework/precache/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// Environment variables read by the CLI when the matching flag is not set.
const (
	EnvLogLevel         = logger.EnvLogLevel
	EnvConfig           = "PRECACHE_CONFIG"
	EnvRedisURL         = "PRECACHE_REDIS_URL"
	EnvListen           = "PRECACHE_LISTEN"
	EnvOTLPURL          = "PRECACHE_OTLP_URL"
	EnvOTLPSharedSecret = "PRECACHE_OTLP_SHARED_SECRET"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses an environment file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return []EnvLine{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read env file %s", filename)
	}
	return ParseEnvBuffer(buf), nil
}

func dequote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// ProcessEnvLine splits a KEY=value line. An optional "export " prefix is
// dropped and the value is dequoted.
func ProcessEnvLine(line string) EnvLine {
	line = strings.TrimPrefix(line, "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: strings.TrimSpace(line)}
	}
	return EnvLine{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

// interpolate expands ${NAME} and ${NAME:-default} references, looking names
// up in vars first and then in the process environment. Unresolved
// references without a default are kept as is.
func interpolate(input string, vars map[string]string) string {
	var out strings.Builder
	for {
		start := strings.Index(input, "${")
		if start < 0 {
			break
		}
		end := strings.IndexByte(input[start:], '}')
		if end < 0 {
			break
		}
		end += start
		out.WriteString(input[:start])
		name, def, _ := strings.Cut(input[start+2:end], ":-")
		val, ok := vars[name]
		if !ok || val == "" {
			val = os.Getenv(name)
		}
		switch {
		case name == "":
			out.WriteString(input[start : end+1])
		case val != "":
			out.WriteString(val)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(input[start : end+1])
		}
		input = input[end+1:]
	}
	out.WriteString(input)
	return out.String()
}

// Interpolate expands ${NAME} and ${NAME:-default} references against the
// process environment.
func Interpolate(s string) string {
	return interpolate(s, nil)
}

// ParseEnvBuffer parses the contents of an environment file. Blank lines and
// comments are skipped, and values may reference earlier keys.
func ParseEnvBuffer(buf []byte) []EnvLine {
	envs := make([]EnvLine, 0)
	vars := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env := ProcessEnvLine(line)
		if env.Key == "" {
			continue
		}
		env.Val = interpolate(env.Val, vars)
		vars[env.Key] = env.Val
		envs = append(envs, env)
	}
	return envs
}

// LoadEnvFile exports the variables of an environment file into the process
// environment. Variables that are already set win.
func LoadEnvFile(filename string) error {
	envs, err := ParseEnvFile(filename)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if _, ok := os.LookupEnv(env.Key); ok {
			continue
		}
		if err := os.Setenv(env.Key, env.Val); err != nil {
			return errors.Wrapf(err, "set %s", env.Key)
		}
	}
	return nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if flag := cmd.Flags().Lookup(flagName); flag != nil && flag.Changed {
		return flag.Value.String()
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	if flagValue, err := cmd.Flags().GetString(flagName); err == nil && flagValue != "" {
		return flagValue
	}
	return defaultValue
}

// LogLevel returns the level from the log-level flag or PRECACHE_LOG_LEVEL.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", EnvLogLevel, "info"), logger.LevelInfo)
}

// NewLogger returns a console logger by first checking the cobra.Command log-level flag, then use the
// PRECACHE_LOG_LEVEL environment value and falling back to the info logger level
func NewLogger(cmd *cobra.Command) logger.Logger {
	return logger.NewConsoleLogger(LogLevel(cmd))
}

// NewTelemetry sets up trace export when an OTLP url is configured. The cobra flags it reads are:
//
// --otlp-url (string): the url of the otlp collector, tracing is off without it
//
// --otlp-shared-secret (string): the shared secret used to sign the bearer token
func NewTelemetry(ctx context.Context, cmd *cobra.Command, serviceName string, log logger.Logger) (telemetry.ShutdownFunc, error) {
	otlpURL := FlagOrEnv(cmd, "otlp-url", EnvOTLPURL, "")
	if otlpURL == "" {
		log.Debug("no otlp url, tracing disabled")
		return func() {}, nil
	}
	var token string
	if secret := FlagOrEnv(cmd, "otlp-shared-secret", EnvOTLPSharedSecret, ""); secret != "" {
		var err error
		if token, err = telemetry.GenerateOTLPBearerToken(secret, serviceName); err != nil {
			return nil, err
		}
	}
	shutdown, err := telemetry.New(ctx, serviceName, otlpURL, token, log)
	if err != nil {
		return nil, errors.Wrap(err, "error creating telemetry")
	}
	return shutdown, nil
}
