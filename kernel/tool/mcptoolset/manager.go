// Package mcptoolset connects to MCP servers and exposes their tools
// through the kernel tool contract, namespaced per server.
package mcptoolset

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/OnslaughtSnail/turnkit/internal/version"
	"github.com/OnslaughtSnail/turnkit/kernel/tool"
)

// TransportType is MCP transport type.
type TransportType string

const (
	TransportStdio      TransportType = "stdio"
	TransportSSE        TransportType = "sse"
	TransportStreamable TransportType = "streamable"
)

// ServerConfig configures one MCP server endpoint.
type ServerConfig struct {
	Name string
	// Prefix namespaces exposed tool names. Defaults to Name.
	Prefix string

	Transport TransportType

	// Stdio transport.
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	// HTTP transport (sse/streamable).
	URL string

	// Optional allowlist of original MCP tool names.
	IncludeTools []string

	// CallTimeout bounds each tool call.
	CallTimeout time.Duration
}

// Config configures one MCP toolset.
type Config struct {
	Servers []ServerConfig
	// CacheTTL bounds the tool list cache. <=0 caches forever.
	CacheTTL time.Duration
}

// Toolset maintains MCP sessions and converts their tools to kernel
// tools on demand.
type Toolset struct {
	mu sync.Mutex

	servers []*server

	cacheAt  time.Time
	cache    []tool.Tool
	cacheTTL time.Duration
}

type server struct {
	name    string
	prefix  string
	cfg     ServerConfig
	allow   map[string]struct{}
	client  *mcp.Client
	session *mcp.ClientSession
}

// New creates a toolset from config.
func New(cfg Config) (*Toolset, error) {
	servers := make([]*server, 0, len(cfg.Servers))
	for i, one := range cfg.Servers {
		s, err := newServer(one, i)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return &Toolset{
		servers:  servers,
		cacheTTL: cfg.CacheTTL,
	}, nil
}

func newServer(cfg ServerConfig, idx int) (*server, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("mcptoolset: server[%d] name is required", idx)
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = name
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}
	switch cfg.Transport {
	case TransportStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("mcptoolset: server[%s] command is required for stdio transport", name)
		}
	case TransportSSE, TransportStreamable:
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("mcptoolset: server[%s] url is required for %s transport", name, cfg.Transport)
		}
	default:
		return nil, fmt.Errorf("mcptoolset: server[%s] unsupported transport %q", name, cfg.Transport)
	}
	allow := map[string]struct{}{}
	for _, item := range cfg.IncludeTools {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		allow[item] = struct{}{}
	}
	return &server{
		name:   name,
		prefix: prefix,
		cfg:    cfg,
		allow:  allow,
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "turnkit",
			Version: version.Version,
		}, nil),
	}, nil
}

// Close closes all open MCP sessions and drops the tool cache.
func (s *Toolset) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []string
	for _, srv := range s.servers {
		if srv == nil || srv.session == nil {
			continue
		}
		if err := srv.session.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", srv.name, err))
		}
		srv.session = nil
	}
	s.cache = nil
	s.cacheAt = time.Time{}
	if len(errs) > 0 {
		return fmt.Errorf("mcptoolset: close sessions: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Tools lists every exposed tool, sorted by name. Results are cached
// until CacheTTL expires.
func (s *Toolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cacheExpiredLocked() {
		return append([]tool.Tool(nil), s.cache...), nil
	}

	byName := map[string]tool.Tool{}
	for _, srv := range s.servers {
		if srv == nil {
			continue
		}
		session, err := s.sessionLocked(ctx, srv)
		if err != nil {
			return nil, err
		}
		for mt, iterErr := range session.Tools(ctx, nil) {
			if iterErr != nil {
				return nil, fmt.Errorf("mcptoolset: list tools from %s: %w", srv.name, iterErr)
			}
			if mt == nil || strings.TrimSpace(mt.Name) == "" {
				continue
			}
			originalName := strings.TrimSpace(mt.Name)
			if len(srv.allow) > 0 {
				if _, ok := srv.allow[originalName]; !ok {
					continue
				}
			}
			name := namespacedName(srv.prefix, originalName)
			if _, exists := byName[name]; exists {
				return nil, fmt.Errorf("mcptoolset: duplicate exposed tool name %q", name)
			}
			byName[name] = s.newTool(srv, name, originalName, mt)
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]tool.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, byName[name])
	}
	s.cache = append([]tool.Tool(nil), out...)
	s.cacheAt = time.Now()
	return out, nil
}

// Register lists every exposed tool and adds it to the registry.
func (s *Toolset) Register(ctx context.Context, registry *tool.Registry) error {
	tools, err := s.Tools(ctx)
	if err != nil {
		return err
	}
	for _, t := range tools {
		if err := registry.Add(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Toolset) newTool(srv *server, name, originalName string, mt *mcp.Tool) *mcpTool {
	return &mcpTool{
		name:         name,
		originalName: originalName,
		serverName:   srv.name,
		description:  toolDescription(mt.Description, srv.name, originalName),
		parameters:   schemaMap(mt.InputSchema),
		callTimeout:  srv.cfg.CallTimeout,
		getSession: func(ctx context.Context) (*mcp.ClientSession, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.sessionLocked(ctx, srv)
		},
	}
}

func (s *Toolset) cacheExpiredLocked() bool {
	if len(s.cache) == 0 {
		return true
	}
	if s.cacheTTL <= 0 {
		return false
	}
	return time.Since(s.cacheAt) > s.cacheTTL
}

func (s *Toolset) sessionLocked(ctx context.Context, srv *server) (*mcp.ClientSession, error) {
	if srv.session != nil {
		return srv.session, nil
	}
	transport, err := buildTransport(srv.cfg)
	if err != nil {
		return nil, err
	}
	session, err := srv.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptoolset: connect %s: %w", srv.name, err)
	}
	srv.session = session
	return session, nil
}

func buildTransport(cfg ServerConfig) (mcp.Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		cmd := exec.Command(strings.TrimSpace(cfg.Command), cfg.Args...)
		if strings.TrimSpace(cfg.WorkDir) != "" {
			cmd.Dir = strings.TrimSpace(cfg.WorkDir)
		}
		if len(cfg.Env) > 0 {
			env := os.Environ()
			for k, v := range cfg.Env {
				k = strings.TrimSpace(k)
				if k == "" {
					continue
				}
				env = append(env, k+"="+v)
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint: strings.TrimSpace(cfg.URL),
		}, nil
	case TransportStreamable:
		return &mcp.StreamableClientTransport{
			Endpoint: strings.TrimSpace(cfg.URL),
		}, nil
	default:
		return nil, fmt.Errorf("mcptoolset: unsupported transport %q", cfg.Transport)
	}
}

func toolDescription(desc, serverName, originalName string) string {
	desc = strings.TrimSpace(desc)
	prefix := fmt.Sprintf("[MCP:%s/%s]", serverName, originalName)
	if desc == "" {
		return prefix
	}
	return prefix + " " + desc
}
