package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// SourceDetector flags JavaScript that reaches for host privileges. The
// runtime process runs with the caller's privileges, so these findings are
// recorded for audit; they never block an evaluation.
type SourceDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected patterns.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewSourceDetector creates a detector with default patterns.
func NewSourceDetector() *SourceDetector {
	return &SourceDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeSource checks submitted source for host-privilege patterns.
func (d *SourceDetector) AnalyzeSource(execID, source string) []Detection {
	var detections []Detection

	lines := strings.Split(source, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				detections = append(detections, Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})

				log.Warn().
					Str("exec_id", execID).
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("host privilege pattern in source")
			}
		}
	}

	return detections
}

// AnalyzeOutput checks a result payload for host data that should not
// normally leave the runtime.
func (d *SourceDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"passwd_leak", "root:x:0:0", SeverityCritical},
		{"private_key_leak", "PRIVATE KEY-----", SeverityCritical},
		{"kernel_leak", "Linux version", SeverityMedium},
		{"aws_key_leak", "AKIA", SeverityHigh},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "child_process",
			Description: "Spawning host processes",
			Regex:       regexp.MustCompile(`child_process|\b(execSync|spawnSync|execFile)\s*\(|Bun\.spawn`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "environment_access",
			Description: "Reading the host environment",
			Regex:       regexp.MustCompile(`process\.env\b|Deno\.env|Bun\.env`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "filesystem_write",
			Description: "Writing to the host filesystem",
			Regex:       regexp.MustCompile(`\b(writeFileSync|writeFile|appendFileSync|unlinkSync|rmSync|mkdirSync|createWriteStream)\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "module_loading",
			Description: "Loading host modules",
			Regex:       regexp.MustCompile(`\brequire\s*\(\s*['"](fs|net|http|https|os|vm|worker_threads|dgram)['"]`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "process_control",
			Description: "Controlling the runtime process",
			Regex:       regexp.MustCompile(`process\.(exit|kill|abort|chdir|binding|dlopen)\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "activex_object",
			Description: "Instantiating ActiveX objects under JScript",
			Regex:       regexp.MustCompile(`(?i)new\s+ActiveXObject|WScript\.(Shell|CreateObject)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Reaching the cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sensitive_path",
			Description: "Referencing sensitive host paths",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow)|/proc/self/|\.ssh/|/var/run/docker\.sock`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "dynamic_code",
			Description: "Constructing code at run time",
			Regex:       regexp.MustCompile(`\bnew\s+Function\s*\(|\bimport\s*\(`),
			Severity:    SeverityLow,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|coinhive|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
