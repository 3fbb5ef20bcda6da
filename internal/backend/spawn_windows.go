//go:build windows

package backend

import (
	"fmt"
	"os/exec"
)

// spawn starts the local backend in a new console so it survives the
// orchestrator process.
func (m *Manager) spawn(base string) error {
	cmd := exec.Command("cmd", "/c", "start", "", "ollama", "serve")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ollama serve: %w", err)
	}
	m.log.Info().Msg("launched ollama serve in new console")
	go cmd.Wait()
	return nil
}
