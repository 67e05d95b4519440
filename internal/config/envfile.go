package config

import (
	"os"
	"regexp"

	"github.com/joho/godotenv"

	"github.com/tomvit/yamc-go/internal/errs"
)

var envKeyPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// loadEnv builds the merged environment !env tags are resolved
// against: the process's own environment, overlaid with envFile's
// entries (which win on conflicting keys). envFile may be empty, in
// which case only the OS environment is used.
func loadEnv(envFile string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	if envFile == "" {
		return merged, nil
	}

	fileVars, err := godotenv.Read(envFile)
	if err != nil {
		return nil, errs.NewConfig(envFile, err)
	}
	for k, v := range fileVars {
		if !envKeyPattern.MatchString(k) {
			return nil, errs.NewConfig(envFile, &invalidEnvKeyError{key: k})
		}
		merged[k] = v
	}
	return merged, nil
}

type invalidEnvKeyError struct{ key string }

func (e *invalidEnvKeyError) Error() string {
	return "invalid environment variable name: " + e.key
}
