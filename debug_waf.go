package wafproxy

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DebugRequest logs detailed information about a request for debugging
func (p *Pipeline) DebugRequest(r *http.Request, requestID string, res EvaluationResult, msg string) {
	snap := p.metrics.Snapshot()
	ids := make([]int, 0, len(snap.RuleHits))
	for id := range snap.RuleHits {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	hits := make([]string, 0, len(ids))
	for _, id := range ids {
		hits = append(hits, fmt.Sprintf("%d:%d", id, snap.RuleHits[RuleID(id)]))
	}

	p.logger.Debug("WAF DEBUG: "+msg, append(requestFields(r, requestID, p.redact),
		zap.String("timestamp", time.Now().Format(time.RFC3339)),
		zap.Bool("blocked", res.Blocked),
		zap.Bool("observed", res.Observed),
		zap.Int("rule_id", res.RuleID),
		zap.String("variable", res.Variable),
		zap.Int("score", res.Score),
		zap.Bool("observe_mode", p.evaluator.ObserveOnly()),
		zap.String("rule_hits", strings.Join(hits, ",")),
	)...)
}

// DumpRulesToFile dumps the loaded rules to a file for inspection
func DumpRulesToFile(rs *RuleSet, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	writeRuleDump(w, rs)
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeRuleDump(w *bufio.Writer, rs *RuleSet) {
	fmt.Fprintf(w, "=== WAF Rules Dump ===\n")
	fmt.Fprintf(w, "loaded_at: %s\nfingerprint: %s\nrules: %d\n\n", rs.LoadedAt().Format(time.RFC3339), rs.Fingerprint(), rs.Len())

	if rs.Len() == 0 {
		fmt.Fprintf(w, "  No rules loaded\n")
	}
	for i, rule := range rs.Rules() {
		vars := make([]string, len(rule.Variables))
		for j, v := range rule.Variables {
			vars[j] = v.String()
		}
		tfs := make([]string, len(rule.Transforms))
		for j, t := range rule.Transforms {
			tfs[j] = string(t)
		}
		fmt.Fprintf(w, "  Rule %d:\n", i+1)
		fmt.Fprintf(w, "    ID: %d\n", rule.ID)
		fmt.Fprintf(w, "    Action: %s\n", rule.Action)
		fmt.Fprintf(w, "    Operator: %s\n", rule.Operator)
		fmt.Fprintf(w, "    Pattern: %s\n", rule.Pattern)
		fmt.Fprintf(w, "    Variables: %s\n", strings.Join(vars, ", "))
		fmt.Fprintf(w, "    Transforms: %s\n", strings.Join(tfs, ", "))
		fmt.Fprintf(w, "    Score: %d\n", rule.EffectiveScore())
		fmt.Fprintf(w, "    Paranoia: %s\n", strconv.Itoa(rule.ParanoiaLevel))
		fmt.Fprintf(w, "    Message: %s\n", rule.Message)
		fmt.Fprintf(w, "    Source: %s\n", rule.SourceFile)
		if err := rule.CompileError(); err != nil {
			fmt.Fprintf(w, "    Inert: %v\n", err)
		}
		fmt.Fprintln(w)
	}

	report := rs.Report()
	if len(report.FileErrors) > 0 || len(report.RuleErrors) > 0 {
		fmt.Fprintf(w, "== Load problems ==\n")
		files := make([]string, 0, len(report.FileErrors))
		for f := range report.FileErrors {
			files = append(files, f)
		}
		sort.Strings(files)
		for _, f := range files {
			fmt.Fprintf(w, "  %s: %v\n", f, report.FileErrors[f])
		}
		for _, e := range report.RuleErrors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}
