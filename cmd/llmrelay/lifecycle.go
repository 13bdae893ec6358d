package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmrelay/llmrelay/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway in the background",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background gateway",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the gateway is running",
	RunE:  runStatus,
}

func runStart(_ *cobra.Command, _ []string) error {
	if pid, err := readPID(); err == nil && processAlive(pid) {
		fmt.Printf("llmrelay already running (pid %d)\n", pid)
		return nil
	}
	removePIDFile()

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	// Background mode needs a log file; stderr goes nowhere once detached.
	logPath := flagLogFile
	if logPath == "" {
		dir, err := dataDir()
		if err != nil {
			return err
		}
		logPath = filepath.Join(dir, "llmrelay.log")
	}

	args := []string{"serve", "--log-file", logPath}
	if flagConfig != "" {
		args = append(args, "--config", flagConfig)
	}
	if flagHost != "" {
		args = append(args, "--host", flagHost)
	}
	if flagPort != "" {
		args = append(args, "--port", flagPort)
	}
	if flagLog != "" {
		args = append(args, "--log", flagLog)
	}

	child := exec.Command(exe, args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start llmrelay: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	endpoint := "http://" + probeAddr() + "/healthz"
	if !waitForReady(endpoint, 10*time.Second) {
		fmt.Printf("llmrelay did not report ready in time, check the log at %s\n", logPath)
		return nil
	}
	fmt.Printf("llmrelay started (pid %d), log at %s\n", pid, logPath)
	return nil
}

func runStop(_ *cobra.Command, _ []string) error {
	pid, err := readPID()
	if err != nil {
		fmt.Println("no pid file found, llmrelay may not be running")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	removePIDFile()
	if err != nil {
		fmt.Println("llmrelay was not running, removed a stale pid file")
		return nil
	}
	fmt.Printf("llmrelay stopped (pid %d)\n", pid)
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	pid, err := readPID()
	if err != nil || !processAlive(pid) {
		fmt.Println("llmrelay is not running")
		fmt.Println("start it with: llmrelay start")
		return nil
	}

	fmt.Println("llmrelay is running")
	fmt.Printf("  pid:      %d\n", pid)
	fmt.Printf("  endpoint: http://%s\n", probeAddr())
	if path, err := pidFilePath(); err == nil {
		fmt.Printf("  pid file: %s\n", path)
	}
	return nil
}

// dataDir is where the pid file and the default background log live.
func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".llmrelay")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func pidFilePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "llmrelay.pid"), nil
}

func writePIDFile() error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile() {
	if path, err := pidFilePath(); err == nil {
		_ = os.Remove(path)
	}
}

func readPID() (int, error) {
	path, err := pidFilePath()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// processAlive reports whether pid maps to a live process. Signal 0 runs
// the kernel checks without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// probeAddr resolves the address serve would bind, for the lifecycle
// commands to report and poll.
func probeAddr() string {
	host, port := "", "8080"
	if cfg, err := config.Load(); err == nil {
		host, port = cfg.Host, cfg.Port
	}
	if flagConfig != "" {
		if w, err := config.Open(flagConfig); err == nil {
			d := w.Document()
			if d.Server.Host != "" {
				host = d.Server.Host
			}
			if d.Server.Port != "" {
				port = d.Server.Port
			}
		}
	}
	if flagHost != "" {
		host = flagHost
	}
	if flagPort != "" {
		port = flagPort
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + port
}

func waitForReady(url string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}
