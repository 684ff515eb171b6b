package registry

import (
	"encoding/json"
	"os"
)

// loadEnvFile reads a <name>.env.json sidecar. Absence is not an error;
// invalid JSON leaves env empty (§6 on-disk layout).
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return map[string]string{}, err
	}
	var env map[string]string
	if err := json.Unmarshal(b, &env); err != nil {
		return map[string]string{}, err
	}
	if env == nil {
		env = map[string]string{}
	}
	return env, nil
}

func marshalEnv(env map[string]string) ([]byte, error) {
	return json.MarshalIndent(env, "", "  ")
}
