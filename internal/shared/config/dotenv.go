package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// loadDotEnv copies KEY=value pairs from path into the process environment.
// Variables that are already set win over the file.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return
	}

	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, exists := os.LookupEnv(name); exists {
			continue
		}
		_ = os.Setenv(name, v.GetString(key))
	}
}
