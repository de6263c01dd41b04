package security

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ralt/resolvd/internal/archive"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/signer"
	"github.com/ralt/resolvd/internal/utils"
	"github.com/sirupsen/logrus"
)

// DefaultMaxPackageBytes is the hard size ceiling for a package
const DefaultMaxPackageBytes = 50 << 20

// Options configures a Validator
type Options struct {
	MaxPackageBytes int64
	TrustedDomains  []string
	// Verifier checks detached signatures when one is supplied
	Verifier signer.Verifier
}

// Validator statically inspects package bytes before they are loaded.
// Its verdict is advisory: no package code runs during validation.
type Validator struct {
	mu       sync.RWMutex
	trusted  []string
	maxBytes int64
	verifier signer.Verifier
}

// NewValidator creates a validator
func NewValidator(opts Options) *Validator {
	if opts.MaxPackageBytes <= 0 {
		opts.MaxPackageBytes = DefaultMaxPackageBytes
	}
	if opts.TrustedDomains == nil {
		opts.TrustedDomains = DefaultTrustedDomains
	}
	v := &Validator{maxBytes: opts.MaxPackageBytes, verifier: opts.Verifier}
	v.SetTrustedDomains(opts.TrustedDomains)
	return v
}

// SetTrustedDomains replaces the allow-list
func (v *Validator) SetTrustedDomains(domains []string) {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, ".")))
		if d != "" {
			normalized = append(normalized, d)
		}
	}

	v.mu.Lock()
	v.trusted = normalized
	v.mu.Unlock()
}

// IsTrusted reports whether the URL host is, or is a subdomain of, an
// allow-listed domain
func (v *Validator) IsTrusted(sourceURL string) bool {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, d := range v.trusted {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// scan accumulates findings across sub-checks
type scan struct {
	score        int
	violations   []string
	capabilities map[string]bool
	degraded     bool
	forceDanger  bool
}

func (s *scan) add(weight int, format string, args ...interface{}) {
	s.score += weight
	s.violations = append(s.violations, fmt.Sprintf(format, args...))
}

// guard runs one sub-check; a panic degrades the scan instead of aborting it
func (s *scan) guard(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Warnf("security check %s panicked: %v", name, r)
			s.degraded = true
		}
	}()
	if err := fn(); err != nil {
		logrus.Warnf("security check %s failed: %v", name, err)
		s.degraded = true
	}
}

func (s *scan) result() models.ScanResult {
	switch {
	case s.forceDanger || s.score >= dangerousThreshold:
		return models.ScanDangerous
	case s.degraded:
		return models.ScanUnknown
	case s.score > 0:
		return models.ScanWarning
	default:
		return models.ScanSafe
	}
}

func (s *scan) capabilityList() []string {
	out := make([]string, 0, len(s.capabilities))
	for c := range s.capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate runs the full static inspection of a package
func (v *Validator) Validate(data []byte, sourceURL string) models.SecurityInfo {
	return v.ValidateSigned(data, nil, sourceURL)
}

// ValidateSigned runs the full inspection and, when a verifier is configured
// and signature is non-empty, checks the detached signature too
func (v *Validator) ValidateSigned(data, signature []byte, sourceURL string) models.SecurityInfo {
	s := &scan{capabilities: make(map[string]bool)}
	info := models.SecurityInfo{ScannedAt: time.Now()}

	s.guard("checksum", func() error {
		info.Checksum = utils.SHA256Hex(data)
		return nil
	})

	s.guard("size", func() error {
		if int64(len(data)) > v.maxBytes {
			s.forceDanger = true
			s.violations = append(s.violations,
				fmt.Sprintf("package size %d exceeds limit %d", len(data), v.maxBytes))
		}
		return nil
	})

	sourceTrusted := false
	s.guard("source", func() error {
		sourceTrusted = v.IsTrusted(sourceURL)
		return nil
	})

	if len(signature) > 0 && v.verifier != nil {
		s.guard("signature", func() error {
			fp, err := v.verifier.VerifyDetached(data, signature)
			if err != nil {
				s.add(weightBadSignature, "invalid signature: %v", err)
				return nil
			}
			info.Signature = fp
			return nil
		})
	}

	if !s.forceDanger {
		s.guard("content", func() error {
			_, entries, err := archive.Read(data)
			if err != nil {
				return err
			}
			v.scanEntries(s, entries)
			return nil
		})
	}

	info.Result = s.result()
	info.RiskScore = s.score
	info.Violations = s.violations
	info.Capabilities = s.capabilityList()
	info.Trusted = sourceTrusted && info.Result == models.ScanSafe

	logrus.Debugf("Validated %s: result=%s score=%d trusted=%v", sourceURL, info.Result, info.RiskScore, info.Trusted)
	return info
}

// ScanScript inspects a standalone resolver script with the same symbol
// rules applied to code entries inside packages
func (v *Validator) ScanScript(name string, code []byte, sourceURL string) models.SecurityInfo {
	s := &scan{capabilities: make(map[string]bool)}
	info := models.SecurityInfo{ScannedAt: time.Now(), Checksum: utils.SHA256Hex(code)}

	if int64(len(code)) > v.maxBytes {
		s.forceDanger = true
		s.violations = append(s.violations, fmt.Sprintf("script size %d exceeds limit %d", len(code), v.maxBytes))
	} else {
		s.guard("content", func() error {
			v.scanCode(s, name, string(code))
			return nil
		})
	}

	info.Result = s.result()
	info.RiskScore = s.score
	info.Violations = s.violations
	info.Capabilities = s.capabilityList()
	info.Trusted = v.IsTrusted(sourceURL) && info.Result == models.ScanSafe
	return info
}

// QuickCheck is the low-latency gate: size, path traversal and the
// zero-code-entries heuristic only
func (v *Validator) QuickCheck(data []byte) models.ScanResult {
	if int64(len(data)) > v.maxBytes {
		return models.ScanDangerous
	}

	_, entries, err := archive.Read(data)
	if err != nil {
		return models.ScanUnknown
	}

	codeEntries := 0
	for _, e := range entries {
		if isPathTraversal(e.Name) {
			return models.ScanWarning
		}
		if !e.IsDir && archive.IsCode(e.Name) {
			codeEntries++
		}
	}
	if codeEntries == 0 {
		return models.ScanWarning
	}
	return models.ScanSafe
}

func (v *Validator) scanEntries(s *scan, entries []archive.Entry) {
	for _, e := range entries {
		if isPathTraversal(e.Name) {
			s.add(weightPathTraversal, "path traversal entry: %s", e.Name)
		}
		if isSuspiciousEntry(e.Name) {
			s.add(weightSuspiciousEntry, "suspicious entry: %s", e.Name)
		}
		if !e.IsDir && archive.IsCode(e.Name) {
			v.scanCode(s, e.Name, string(e.Data))
		}
	}
}

func (v *Validator) scanCode(s *scan, name, code string) {
	for _, sym := range dangerousSymbols {
		if strings.Contains(code, sym) {
			s.add(weightDangerousSymbol, "%s references %s", name, sym)
		}
	}
	for _, m := range dangerousMethods {
		if strings.Contains(code, m) {
			s.add(weightDangerousMethod, "%s calls %s", name, m)
		}
	}
	if containsAny(code, reflectionMarkers) {
		s.add(weightReflection, "%s uses reflection", name)
	}
	for _, c := range capabilityMarkers {
		if containsAny(code, c.markers) {
			s.capabilities[c.capability] = true
		}
	}
}

func isPathTraversal(name string) bool {
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return true
	}
	// Drive letters such as C:
	return len(name) >= 2 && name[1] == ':' && isLetter(name[0])
}

func isSuspiciousEntry(name string) bool {
	lower := strings.ToLower(name)
	ext := path.Ext(lower)
	for _, s := range suspiciousExtensions {
		if ext == s {
			return true
		}
	}
	return containsAny(lower, suspiciousPathMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// HasVerifier reports whether detached signatures can be checked
func (v *Validator) HasVerifier() bool {
	return v.verifier != nil
}
