package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via OLLAMA_DEBUG in the environment
	Debug bool
	// Set via OLLAMA_NUM_THREADS in the environment
	NumThreads int
	// Set via OLLAMA_SEED in the environment
	Seed uint64
)

const defaultSeed uint64 = 0x5eed

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"OLLAMA_DEBUG":       {"OLLAMA_DEBUG", Debug, "Show additional debug information (e.g. OLLAMA_DEBUG=1)"},
		"OLLAMA_NUM_THREADS": {"OLLAMA_NUM_THREADS", NumThreads, "Maximum number of threads used by a single CPU kernel (default number of CPUs)"},
		"OLLAMA_SEED":        {"OLLAMA_SEED", Seed, "Seed for parameter initialization"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	// default values
	Debug = false
	NumThreads = runtime.NumCPU()
	Seed = defaultSeed

	if debug := clean("OLLAMA_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if threads := clean("OLLAMA_NUM_THREADS"); threads != "" {
		val, err := strconv.Atoi(threads)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "OLLAMA_NUM_THREADS", threads, "error", err)
		} else {
			NumThreads = val
		}
	}

	if seed := clean("OLLAMA_SEED"); seed != "" {
		val, err := strconv.ParseUint(seed, 0, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "OLLAMA_SEED", seed, "error", err)
		} else {
			Seed = val
		}
	}
}

// LogLevel returns the slog level implied by OLLAMA_DEBUG
func LogLevel() slog.Level {
	if Debug {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}
