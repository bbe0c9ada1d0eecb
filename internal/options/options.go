package options

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"deploy-agent/internal/command"
	"deploy-agent/internal/schema"
)

// Request parameter keys
const (
	KeyURI             = "dp.uri"
	KeyName            = "dp.name"
	KeyVersion         = "dp.version"
	KeyJobID           = "job.id"
	KeyInstall         = "dp.install"
	KeySystemUpdate    = "dp.install.system.update"
	KeyVerifierURI     = "dp.install.verifier.uri"
	KeyProtocol        = "dp.download.protocol"
	KeyBlockSize       = "dp.download.block.size"
	KeyNotifyBlockSize = "dp.download.notify.block.size"
	KeyBlockDelay      = "dp.download.block.delay"
	KeyTimeout         = "dp.download.timeout"
	KeyResume          = "dp.download.resume"
	KeyUsername        = "dp.download.username"
	KeyPassword        = "dp.download.password"
	KeyHash            = "dp.download.hash"
	KeyReboot          = "dp.reboot"
	KeyRebootDelay     = "dp.reboot.delay"
	KeyRequestType     = "request.type"
)

const (
	DefaultBlockSize       = 4096
	DefaultNotifyBlockSize = 256 * 1024
	DefaultTimeout         = 4 * time.Second

	// MaxBlockSize bounds the transfer buffer
	MaxBlockSize = 4 << 20
	// MaxNotifyBlockSize bounds the progress notification interval
	MaxNotifyBlockSize = 1 << 30
)

var (
	// ErrMalformed marks request parameters that cannot be parsed
	ErrMalformed = errors.New("malformed request")
	// ErrInvalidName marks a package name that is not a single path element
	ErrInvalidName = errors.New("invalid package name")
)

var (
	//go:embed download.schema.json
	downloadSchemaJSON []byte
	//go:embed install.schema.json
	installSchemaJSON []byte
	//go:embed uninstall.schema.json
	uninstallSchemaJSON []byte

	downloadSchema  = schema.MustCompile("download", downloadSchemaJSON)
	installSchema   = schema.MustCompile("install", installSchemaJSON)
	uninstallSchema = schema.MustCompile("uninstall", uninstallSchemaJSON)
)

var knownKeys = map[string]struct{}{
	KeyURI: {}, KeyName: {}, KeyVersion: {}, KeyJobID: {}, KeyInstall: {},
	KeySystemUpdate: {}, KeyVerifierURI: {}, KeyProtocol: {}, KeyBlockSize: {},
	KeyNotifyBlockSize: {}, KeyBlockDelay: {}, KeyTimeout: {}, KeyResume: {},
	KeyUsername: {}, KeyPassword: {}, KeyHash: {}, KeyReboot: {}, KeyRebootDelay: {},
	KeyRequestType: {},
}

// Install describes a package installation
type Install struct {
	JobID             int64
	Name              string
	Version           string
	SystemUpdate      bool
	VerifierURI       string
	Reboot            bool
	RebootDelay       time.Duration
	RequestType       string
	HookProperties    map[string]any
	DownloadDir       string
	ClientID          string
	RequesterClientID string
}

// DownloadFile returns the path the package artifact is stored at
func (o *Install) DownloadFile() string {
	ext := ".dp"
	if o.SystemUpdate {
		ext = ".sh"
	}
	return filepath.Join(o.DownloadDir, sanitize(o.Name)+"-"+sanitize(o.Version)+ext)
}

// Download describes a package transfer, optionally followed by install
type Download struct {
	Install

	URI             string
	Protocol        string
	BlockSize       int
	NotifyBlockSize int
	BlockDelay      time.Duration
	Timeout         time.Duration
	Resume          bool
	Username        string
	Password        string
	HashAlgorithm   string
	HashValue       string
	AutoInstall     bool
}

// Uninstall describes a package removal
type Uninstall struct {
	JobID             int64
	Name              string
	Reboot            bool
	RebootDelay       time.Duration
	ClientID          string
	RequesterClientID string
}

// ParseDownload builds download options from a request
func ParseDownload(req *command.Request, downloadDir, clientID string) (*Download, error) {
	if err := validate(downloadSchema, req); err != nil {
		return nil, err
	}
	m := params(req.Metrics)

	inst, err := parseInstall(req, m, downloadDir, clientID)
	if err != nil {
		return nil, err
	}
	opts := &Download{
		Install:         *inst,
		URI:             m.str(KeyURI),
		Protocol:        strings.ToUpper(m.str(KeyProtocol)),
		BlockSize:       m.bounded(KeyBlockSize, DefaultBlockSize, MaxBlockSize),
		NotifyBlockSize: m.bounded(KeyNotifyBlockSize, DefaultNotifyBlockSize, MaxNotifyBlockSize),
		BlockDelay:      time.Duration(m.int(KeyBlockDelay, 0)) * time.Millisecond,
		Timeout:         time.Duration(m.int(KeyTimeout, DefaultTimeout.Milliseconds())) * time.Millisecond,
		Resume:          m.bool(KeyResume, false),
		Username:        m.str(KeyUsername),
		Password:        m.str(KeyPassword),
		AutoInstall:     m.bool(KeyInstall, true),
	}
	if opts.Protocol == "" {
		opts.Protocol = "HTTP"
		if strings.HasPrefix(strings.ToLower(opts.URI), "https://") {
			opts.Protocol = "HTTPS"
		}
	}
	if h := m.str(KeyHash); h != "" {
		alg, value, _ := strings.Cut(h, ":")
		opts.HashAlgorithm = normalizeAlgorithm(alg)
		opts.HashValue = strings.ToLower(value)
	}
	if m.err != nil {
		return nil, m.err
	}
	return opts, nil
}

// ParseInstall builds install options from a request
func ParseInstall(req *command.Request, downloadDir, clientID string) (*Install, error) {
	if err := validate(installSchema, req); err != nil {
		return nil, err
	}
	m := params(req.Metrics)
	opts, err := parseInstall(req, m, downloadDir, clientID)
	if err != nil {
		return nil, err
	}
	return opts, nil
}

// ParseUninstall builds uninstall options from a request
func ParseUninstall(req *command.Request, clientID string) (*Uninstall, error) {
	if err := validate(uninstallSchema, req); err != nil {
		return nil, err
	}
	m := params(req.Metrics)
	opts := &Uninstall{
		JobID:             m.int(KeyJobID, 0),
		Name:              m.str(KeyName),
		Reboot:            m.bool(KeyReboot, false),
		RebootDelay:       time.Duration(m.int(KeyRebootDelay, 0)) * time.Millisecond,
		ClientID:          clientID,
		RequesterClientID: req.RequesterClientID,
	}
	if m.err != nil {
		return nil, m.err
	}
	if err := ValidName(opts.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return opts, nil
}

func parseInstall(req *command.Request, m *paramReader, downloadDir, clientID string) (*Install, error) {
	opts := &Install{
		JobID:             m.int(KeyJobID, 0),
		Name:              m.str(KeyName),
		Version:           m.str(KeyVersion),
		SystemUpdate:      m.bool(KeySystemUpdate, false),
		VerifierURI:       m.str(KeyVerifierURI),
		Reboot:            m.bool(KeyReboot, false),
		RebootDelay:       time.Duration(m.int(KeyRebootDelay, 0)) * time.Millisecond,
		RequestType:       m.str(KeyRequestType),
		HookProperties:    hookProperties(req.Metrics),
		DownloadDir:       downloadDir,
		ClientID:          clientID,
		RequesterClientID: req.RequesterClientID,
	}
	if m.err != nil {
		return nil, m.err
	}
	if err := ValidName(opts.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return opts, nil
}

// ValidName rejects package names that could escape the directory they are
// joined to
func ValidName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
	case strings.ContainsAny(name, "/\\\x00"):
	case strings.Contains(name, ".."):
	default:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidName, name)
}

// SafeName replaces path separators so s can be used in a file name
func SafeName(s string) string {
	return sanitize(s)
}

func validate(s *schema.Schema, req *command.Request) error {
	metrics := req.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	if err := s.Validate(metrics); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, s.ID(), err)
	}
	return nil
}

// hookProperties returns the request parameters not consumed by the agent
func hookProperties(metrics map[string]any) map[string]any {
	props := make(map[string]any)
	for k, v := range metrics {
		if _, ok := knownKeys[k]; !ok {
			props[k] = v
		}
	}
	return props
}

func normalizeAlgorithm(alg string) string {
	switch strings.ToUpper(strings.ReplaceAll(alg, "-", "")) {
	case "MD5":
		return "MD5"
	case "SHA1":
		return "SHA1"
	case "SHA256":
		return "SHA256"
	default:
		return strings.ToUpper(alg)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, s)
}

type paramReader struct {
	m   map[string]any
	err error
}

func params(m map[string]any) *paramReader {
	return &paramReader{m: m}
}

func (p *paramReader) fail(key string, v any) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: invalid value %v for %s", ErrMalformed, v, key)
	}
}

func (p *paramReader) str(key string) string {
	v, ok := p.m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.fail(key, v)
		return ""
	}
	return strings.TrimSpace(s)
}

func (p *paramReader) bool(key string, def bool) bool {
	v, ok := p.m[key]
	if !ok || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			p.fail(key, v)
			return def
		}
		return parsed
	default:
		p.fail(key, v)
		return def
	}
}

// bounded reads a positive integer no larger than limit
func (p *paramReader) bounded(key string, def, limit int64) int {
	n := p.int(key, def)
	if n < 1 || n > limit {
		p.fail(key, n)
		return int(def)
	}
	return int(n)
}

func (p *paramReader) int(key string, def int64) int64 {
	v, ok := p.m[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		if n != math.Trunc(n) {
			p.fail(key, v)
			return def
		}
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			p.fail(key, v)
			return def
		}
		return i
	default:
		p.fail(key, v)
		return def
	}
}
