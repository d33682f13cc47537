package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/secrets"
)

// CommandConfig configures a CommandGateway
type CommandConfig struct {
	Path    string
	Args    []string
	Timeout time.Duration
	// Env is appended to the helper's environment
	Env []string
}

// CommandGateway runs an external login helper, typically a headless
// browser script. The helper reads {"login","password"} as JSON on stdin
// and prints {"cookies":[{"name","value"}],"csrf_token"} on stdout. A
// non-zero exit or {"error": "..."} output is a failed login.
type CommandGateway struct {
	cfg      CommandConfig
	resolver *secrets.Resolver
	logger   logger.Logger
}

type commandRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type commandResponse struct {
	Cookies   models.Cookies `json:"cookies"`
	CSRFToken string         `json:"csrf_token"`
	Error     string         `json:"error"`
}

// NewCommandGateway creates a CommandGateway
func NewCommandGateway(cfg CommandConfig, resolver *secrets.Resolver, log logger.Logger) (*CommandGateway, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("command gateway requires a command")
	}
	if resolver == nil {
		resolver = secrets.NewResolver()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	return &CommandGateway{cfg: cfg, resolver: resolver, logger: logger.ForComponent(log, "auth.command")}, nil
}

func (g *CommandGateway) Login(ctx context.Context, loginHandle, credentialRef string) (*models.Credentials, error) {
	password, err := g.resolver.Resolve(ctx, credentialRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	input, err := json.Marshal(commandRequest{Login: loginHandle, Password: password})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.cfg.Path, g.cfg.Args...)
	cmd.Env = append(cmd.Environ(), g.cfg.Env...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	log := g.logger.WithFields(map[string]interface{}{
		"login":    loginHandle,
		"duration": time.Since(start),
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("login helper interrupted: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("failed to run login helper: %w", runErr)
	}

	var resp commandResponse
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil && runErr == nil {
			return nil, fmt.Errorf("failed to parse login helper output: %w", err)
		}
	}

	if runErr != nil || resp.Error != "" {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = strings.TrimSpace(stderr.String())
		}
		log.WithError(runErr).WarnWithFields("Login helper failed", map[string]interface{}{
			"message": msg,
		})
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
	}

	if len(resp.Cookies) == 0 {
		return nil, ErrNoCookies
	}
	log.InfoWithFields("Login helper succeeded", map[string]interface{}{
		"cookies": len(resp.Cookies),
	})
	return &models.Credentials{Cookies: resp.Cookies, CSRFToken: resp.CSRFToken}, nil
}
