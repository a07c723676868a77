package logger

import (
	"os"
	"strconv"
	"strings"
)

// MakeString - makes a string using golang string builder
func MakeString(delimeter string, message ...string) string {
	var builder strings.Builder
	for i := 0; i < len(message); i++ {
		builder.WriteString(message[i])
		if delimeter != "" && i != len(message)-1 {
			builder.WriteString(delimeter)
		}
	}
	return builder.String()
}

// SetVerbosity - clamps and sets the log level
func SetVerbosity(level int) {
	mu.Lock()
	defer mu.Unlock()
	Verbosity = clamp(level)
}

func getVerbose() int {
	return clamp(Verbosity)
}

func envVerbosity() int {
	level, err := strconv.Atoi(os.Getenv("VERBOSITY"))
	if err != nil {
		return 0
	}
	return clamp(level)
}

func clamp(level int) int {
	if level < 0 {
		return 0
	}
	if level > 4 {
		return 4
	}
	return level
}
