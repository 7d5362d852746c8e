package engine

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"
)

// extraFlagsAllowlist is the set of llama.cpp server flags a caller may pass
// through LoadParams.ExtraFlags. Every backend this coordinator loads
// ("cpu", "llama-vulkan", "llama-cuda", "llama-metal") is a build of the
// same llama.cpp server, so one allowlist covers all of them. Flags that
// take a filesystem path are intentionally excluded — ExtraFlags is
// caller-supplied and must not be able to point the backend at arbitrary
// files on the host.
var extraFlagsAllowlist = map[string]bool{
	"-t": true, "--threads": true,
	"-tb": true, "--threads-batch": true,
	"-c": true, "--ctx-size": true,
	"-n": true, "--predict": true, "--n-predict": true,
	"--keep": true,
	"-b":     true, "--batch-size": true,
	"-ub": true, "--ubatch-size": true,
	"-fa": true, "--flash-attn": true,
	"--samplers": true,
	"-s":         true, "--seed": true,
	"--temp": true, "--temperature": true,
	"--top-k":             true,
	"--top-p":             true,
	"--min-p":             true,
	"--repeat-last-n":     true,
	"--repeat-penalty":    true,
	"--presence-penalty":  true,
	"--frequency-penalty": true,
	"--mirostat":          true,
	"--mirostat-lr":       true,
	"--mirostat-ent":      true,
	"--ignore-eos":        true,
	"-dev": true, "--device": true,
	"-ngl": true, "--gpu-layers": true, "--n-gpu-layers": true,
	"-sm": true, "--split-mode": true,
	"-ts": true, "--tensor-split": true,
	"-mg": true, "--main-gpu": true,
	"-ctk": true, "--cache-type-k": true,
	"-ctv": true, "--cache-type-v": true,
	"--mlock": true,
	"--mmap":  true, "--no-mmap": true,
	"--rope-scaling":    true,
	"--rope-scale":      true,
	"--rope-freq-base":  true,
	"--rope-freq-scale": true,
	"-np": true, "--parallel": true,
	"-cb": true, "--cont-batching": true,
	"--no-warmup":    true,
	"--cache-prompt": true,
	"--embedding": true, "--embeddings": true,
	"--pooling": true,
	"-v":        true, "--verbose": true,
}

// validateExtraFlags parses raw the way the backend's own argv parser
// would, rejects any token containing a path separator (blocks flags like
// "--log-file /etc/passwd" regardless of allowlist membership), and
// rejects any remaining flag-shaped token that isn't on the allowlist.
// Positional/value tokens (anything not starting with "-") are otherwise
// left unchecked since they belong to the preceding flag.
func validateExtraFlags(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	tokens, err := shellwords.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse extra_flags: %w", err)
	}

	for _, tok := range tokens {
		if strings.ContainsAny(tok, `/\`) {
			return fmt.Errorf("extra_flags %q is not valid: paths are not allowed in %q", raw, tok)
		}
		key := flagKey(tok)
		if key == "" {
			continue
		}
		if !extraFlagsAllowlist[key] {
			return fmt.Errorf("extra_flags %q is not valid: flag %q is not permitted", raw, key)
		}
	}
	return nil
}

// flagKey extracts the flag name from a token: "--threads=4" -> "--threads",
// "-t" -> "-t", "4" -> "".
func flagKey(tok string) string {
	if !strings.HasPrefix(tok, "-") {
		return ""
	}
	if idx := strings.Index(tok, "="); idx != -1 {
		return tok[:idx]
	}
	return tok
}
