// Package lifecycle handles the process-level concerns of an upcache server:
// announcing the listening port through a discovery file and cleaning up on
// exit or termination signals.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrBadDiscovery is returned when a discovery file does not name a usable
// port.
var ErrBadDiscovery = errors.New("lifecycle: invalid discovery file")

// Discovery is the content of a discovery file: {"port": N}.
type Discovery struct {
	Port int `json:"port"`
}

// WriteDiscovery writes {"port": port} to path. The file is written to a
// temporary name in the same directory and renamed into place, so a reader
// never observes a partial file.
func WriteDiscovery(path string, port int) error {
	data, err := json.Marshal(Discovery{Port: port})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("lifecycle: write discovery file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("lifecycle: write discovery file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("lifecycle: write discovery file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("lifecycle: write discovery file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("lifecycle: write discovery file: %w", err)
	}
	return nil
}

// ReadDiscovery returns the port announced in the discovery file at path.
func ReadDiscovery(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: read discovery file: %w", err)
	}

	var d Discovery
	if err := json.Unmarshal(data, &d); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrBadDiscovery, path, err)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return 0, fmt.Errorf("%w: %s: port %d", ErrBadDiscovery, path, d.Port)
	}
	return d.Port, nil
}
