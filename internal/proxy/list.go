// Package proxy loads the proxy list the session pool is built from.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mantlewatch/restock-sentinel/internal/monitor"
)

// ErrNoProxies indicates the list yielded zero usable entries.
var ErrNoProxies = errors.New("proxy list contains no valid entries")

const defaultProtocol = "http"

// ParseList reads line-oriented proxy entries of the form
// host:port[:username[:password]]. Blank lines and lines starting with '#'
// are ignored. Malformed lines are dropped with a warning; the parse only
// fails when no valid entry remains.
func ParseList(r io.Reader, logger *zap.Logger) ([]monitor.ProxyConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var configs []monitor.ProxyConfig
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg, err := parseLine(line)
		if err != nil {
			logger.Warn("dropping invalid proxy line",
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		configs = append(configs, cfg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	if len(configs) == 0 {
		return nil, ErrNoProxies
	}
	return configs, nil
}

// LoadFile parses the proxy list at path.
func LoadFile(path string, logger *zap.Logger) ([]monitor.ProxyConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy list: %w", err)
	}
	defer f.Close()
	return ParseList(f, logger)
}

func parseLine(line string) (monitor.ProxyConfig, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return monitor.ProxyConfig{}, fmt.Errorf("expected host:port[:user[:pass]], got %d fields", len(parts))
	}
	host := strings.TrimSpace(parts[0])
	if host == "" {
		return monitor.ProxyConfig{}, errors.New("missing host")
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return monitor.ProxyConfig{}, fmt.Errorf("parse port: %w", err)
	}
	if port < 1 || port > 65535 {
		return monitor.ProxyConfig{}, fmt.Errorf("port %d out of range", port)
	}
	cfg := monitor.ProxyConfig{
		Host:     host,
		Port:     port,
		Protocol: defaultProtocol,
		Label:    fmt.Sprintf("%s:%d", host, port),
	}
	if len(parts) >= 3 {
		cfg.Username = strings.TrimSpace(parts[2])
	}
	if len(parts) == 4 {
		cfg.Password = strings.TrimSpace(parts[3])
	}
	return cfg, nil
}
