package affinity

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/rs/zerolog"
)

// readObservations loads the full observation log. Corrupt lines are skipped
// with a warning; a missing file yields an empty slice.
func readObservations(path string, logger zerolog.Logger) []Observation {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to read observations")
		}
		return nil
	}
	var out []Observation
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var o Observation
		if err := json.Unmarshal(line, &o); err != nil {
			logger.Warn().Str("path", path).Msg("skipping corrupt observation line")
			continue
		}
		out = append(out, o)
	}
	return out
}
