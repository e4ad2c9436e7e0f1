package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// defaultDangerousPatterns flag argument strings that look like injection
// attempts. They are intentionally broad; auditOnlyMode exists to tune
// them against real traffic before enforcement.
var defaultDangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[;&|` + "`" + `$(){}<>]`), // shell metacharacters
	regexp.MustCompile(`\.\.(/|\\)`),              // path traversal
	regexp.MustCompile(`(?i)<script[\s>]`),        // script injection
	regexp.MustCompile(`(?i)\b(union\s+select|insert\s+into|drop\s+table|delete\s+from|update\s+\w+\s+set)\b`), // SQL injection
	regexp.MustCompile(`\b(rm|mv|cp|chmod|chown|mkfs|dd)\s+-`),                                                 // filesystem mutation commands
}

// maxArgDepth bounds the recursive walk over argument values.
const maxArgDepth = 10

// Sanitizer scans tool arguments for dangerous content before execution.
type Sanitizer struct {
	global    []*regexp.Regexp
	perTool   map[string][]*regexp.Regexp
	blocked   []string
	auditOnly bool
	bus       *events.Bus
	logger    *observability.Logger
}

// NewSanitizer compiles the configured pattern sets. Patterns that fail to
// compile are skipped with a pattern-error event rather than aborting.
func NewSanitizer(cfg *models.DangerousArgumentsConfig, bus *events.Bus, logger *observability.Logger) *Sanitizer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &Sanitizer{
		perTool: map[string][]*regexp.Regexp{},
		bus:     bus,
		logger:  logger,
	}
	if cfg == nil {
		s.global = defaultDangerousPatterns
		return s
	}
	s.auditOnly = cfg.AuditOnlyMode
	s.blocked = cfg.BlockedValues

	if len(cfg.GlobalPatterns) > 0 {
		s.global = s.compile("global", cfg.GlobalPatterns)
	} else {
		s.global = defaultDangerousPatterns
	}
	s.global = append(s.global, s.compile("extendable", cfg.ExtendablePatterns)...)
	for tool, patterns := range cfg.ToolPatterns {
		s.perTool[tool] = s.compile("tool:"+tool, patterns)
	}
	return s
}

func (s *Sanitizer) compile(source string, patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			s.logger.Warn("skipping invalid dangerous-argument pattern", "source", source, "pattern", p, "error", err)
			if s.bus != nil {
				s.bus.Emit(events.TopicPatternError, map[string]any{
					"source":  source,
					"pattern": p,
					"error":   err.Error(),
				})
			}
			continue
		}
		out = append(out, re)
	}
	return out
}

// Scan walks args to a bounded depth and reports every string value that
// matches a dangerous pattern or contains a blocked value. In audit-only
// mode findings are logged and emitted but no error is returned.
func (s *Sanitizer) Scan(toolName, userID string, args map[string]any, extra []string) error {
	patterns := make([]*regexp.Regexp, 0, len(s.global)+len(s.perTool[toolName])+len(extra))
	patterns = append(patterns, s.global...)
	patterns = append(patterns, s.perTool[toolName]...)
	patterns = append(patterns, s.compile("tool-meta:"+toolName, extra)...)

	var findings []string
	s.walk(args, "", 0, patterns, &findings)

	if len(findings) == 0 {
		return nil
	}

	if s.bus != nil {
		s.bus.Emit(events.TopicDangerousArgs, map[string]any{
			"userId":   userID,
			"tool":     toolName,
			"findings": findings,
			"audit":    s.auditOnly,
		})
	}
	if s.auditOnly {
		s.logger.Warn("dangerous arguments detected (audit only)", "tool", toolName, "user_id", userID, "findings", findings)
		return nil
	}
	s.logger.Warn("dangerous arguments blocked", "tool", toolName, "user_id", userID, "findings", findings)
	return cerrors.New(cerrors.CodeDangerousArgs,
		fmt.Sprintf("arguments for tool %q contain dangerous content", toolName)).
		WithStatus(400).
		WithDetail("tool", toolName).
		WithDetail("findings", findings)
}

func (s *Sanitizer) walk(value any, path string, depth int, patterns []*regexp.Regexp, findings *[]string) {
	if depth > maxArgDepth {
		s.logger.Warn("argument nesting exceeds scan depth; deeper values not scanned", "path", path, "max_depth", maxArgDepth)
		return
	}
	switch v := value.(type) {
	case string:
		s.inspect(v, path, findings)
		for _, re := range patterns {
			if re.MatchString(v) {
				*findings = append(*findings, fmt.Sprintf("%s matches %s", pathOrValue(path), re.String()))
				break
			}
		}
	case map[string]any:
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			// Keys can smuggle payloads just as values can.
			s.inspect(key, childPath, findings)
			s.walk(child, childPath, depth+1, patterns, findings)
		}
	case []any:
		for i, child := range v {
			s.walk(child, fmt.Sprintf("%s[%d]", path, i), depth+1, patterns, findings)
		}
	}
}

func (s *Sanitizer) inspect(str, path string, findings *[]string) {
	lower := strings.ToLower(str)
	for _, blocked := range s.blocked {
		if blocked == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(blocked)) {
			*findings = append(*findings, fmt.Sprintf("%s contains blocked value %q", pathOrValue(path), blocked))
		}
	}
}

func pathOrValue(path string) string {
	if path == "" {
		return "argument"
	}
	return "argument " + path
}
