// Package scanner implements pattern-based input/output scanning and canary
// tokens for the AX security router.
//
// Input scanning blocks known prompt-injection families before a message ever
// reaches an agent. Output scanning flags PII-shaped content in agent replies
// but never blocks them; flagged replies are delivered and audited. Canary
// tokens are unique secrets injected into agent input so that their presence
// in agent output proves external content reached the output path.
package scanner

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the result alphabet of a scan.
type Verdict string

const (
	VerdictPass  Verdict = "PASS"
	VerdictFlag  Verdict = "FLAG"
	VerdictBlock Verdict = "BLOCK"
)

// Result carries the verdict and, for FLAG/BLOCK, the matching family name.
type Result struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// CanaryPrefix marks every canary token. Tokens are 128-bit random hex.
const CanaryPrefix = "CANARY-"

// injectionPatterns are the prompt-injection families blocked on input.
// Each pattern is intentionally specific to keep the false-positive rate low:
// a user asking "what is prompt injection?" must not be blocked.
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"instruction_override", regexp.MustCompile(`(?i)\bignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|directions)\b`)},
	{"instruction_override", regexp.MustCompile(`(?i)\bdisregard\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules)\b`)},
	{"instruction_override", regexp.MustCompile(`(?i)\bforget\s+(?:everything|all)\s+(?:you\s+(?:were|have been)\s+told|above)\b`)},
	{"role_reassignment", regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|the)\s+\w`)},
	{"role_reassignment", regexp.MustCompile(`(?i)\bpretend\s+(?:to\s+be|you\s+are)\s+(?:a|an|the)?\s*\w+.{0,40}without\s+(?:any\s+)?(?:restrictions|limits|rules)`)},
	{"role_reassignment", regexp.MustCompile(`(?i)\bact\s+as\s+(?:if\s+you\s+(?:are|were)|a|an)\s+.{0,40}(?:no|without)\s+(?:restrictions|filters|rules)`)},
	{"system_tag", regexp.MustCompile(`(?i)\[\s*system\s*\]`)},
	{"system_tag", regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`)},
	{"system_tag", regexp.MustCompile(`(?i)\bnew\s+system\s+prompt\s*:`)},
	{"safety_override", regexp.MustCompile(`(?i)\boverride\s+(?:your\s+)?safety\b`)},
	{"safety_override", regexp.MustCompile(`(?i)\bdisable\s+(?:your\s+)?(?:safety|guardrails|filters)\b`)},
	{"safety_override", regexp.MustCompile(`(?i)\b(?:jailbreak|dan)\s+mode\b`)},
	{"exfiltration", regexp.MustCompile(`(?i)\b(?:dump|reveal|print|exfiltrate)\s+(?:your\s+|all\s+|the\s+)?(?:secrets|credentials|api\s+keys|system\s+prompt)\b`)},
}

// piiPatterns are PII-shaped families flagged (never blocked) on output.
var piiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	// US social security number
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	// Credit-card-like: 13-16 digits, optionally grouped by spaces or dashes
	{"credit_card", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	// Vendor-prefixed API keys that have no business in a reply
	{"api_key", regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_\-]{20,}\b`)},
	{"api_key", regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`)},
	{"api_key", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`)},
}

// Scanner mints canary tokens and scans content. The zero value is not
// usable; call New.
type Scanner struct{}

// New returns a Scanner with the built-in pattern families.
func New() *Scanner {
	return &Scanner{}
}

// CanaryToken returns a fresh cryptographically random canary token.
func (s *Scanner) CanaryToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform RNG is broken; refusing
		// to mint is safer than minting a predictable token.
		panic(fmt.Sprintf("scanner: crypto/rand unavailable: %v", err))
	}
	return CanaryPrefix + hex.EncodeToString(buf)
}

// CheckCanary reports whether the minted token appears anywhere in text.
func (s *Scanner) CheckCanary(text, token string) bool {
	return token != "" && strings.Contains(text, token)
}

// ScanInput checks inbound content against the prompt-injection families and
// returns BLOCK on the first match.
func (s *Scanner) ScanInput(target string) Result {
	for _, p := range injectionPatterns {
		if p.re.MatchString(target) {
			return Result{
				Verdict: VerdictBlock,
				Reason:  "prompt injection pattern: " + p.name,
			}
		}
	}
	return Result{Verdict: VerdictPass}
}

// ScanOutput checks outbound content against the PII families and returns
// FLAG on the first match. Output is never blocked by pattern scanning;
// blocking on output happens only on canary leak, which the router handles.
func (s *Scanner) ScanOutput(target string) Result {
	for _, p := range piiPatterns {
		if p.re.MatchString(target) {
			return Result{
				Verdict: VerdictFlag,
				Reason:  "possible PII: " + p.name,
			}
		}
	}
	return Result{Verdict: VerdictPass}
}
