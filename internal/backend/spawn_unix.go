//go:build !windows

package backend

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

// spawn starts the local backend per platform convention. macOS prefers the
// app bundle when installed; Linux tries the per-user service supervisor
// first. Both fall back to a detached `ollama serve`.
func (m *Manager) spawn(base string) error {
	switch runtime.GOOS {
	case "darwin":
		if _, err := os.Stat("/Applications/Ollama.app"); err == nil {
			m.log.Info().Msg("launching Ollama app bundle")
			return exec.Command("open", "-a", "Ollama").Start()
		}
		return m.spawnServeCLI()
	default:
		if systemctl, err := exec.LookPath("systemctl"); err == nil {
			if err := exec.Command(systemctl, "--user", "start", "ollama").Run(); err == nil {
				m.log.Info().Msg("started ollama via user service supervisor")
				return nil
			}
		}
		return m.spawnServeCLI()
	}
}

// spawnServeCLI runs `ollama serve` in its own session so it survives the
// orchestrator process, with output appended to the backend log.
func (m *Manager) spawnServeCLI() error {
	path, err := exec.LookPath("ollama")
	if err != nil {
		return fmt.Errorf("ollama not found in PATH: %w", err)
	}

	cmd := exec.Command(path, "serve")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if logFile := m.backendLog("ollama"); logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ollama serve: %w", err)
	}
	m.log.Info().Int("pid", cmd.Process.Pid).Msg("launched ollama serve")

	if m.registry != nil {
		id := m.registry.Register("ollama", cmd)
		go func() {
			cmd.Wait()
			m.registry.Unregister(id)
		}()
	} else {
		go cmd.Wait()
	}
	return nil
}
