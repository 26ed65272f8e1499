package prompt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// defaultSeparators are the fence words used when the configuration does not
// supply its own.
var defaultSeparators = []string{
	"USER_INPUT_BOUNDARY",
	"QUESTION_FENCE",
	"STUDENT_TEXT_DELIMITER",
}

// tokenHashLen is the number of hex digits of the fence hash kept in the
// token.
const tokenHashLen = 12

// Guard implements the separator fence defense. User text is bracketed by a
// randomized token carrying a hash nonce; a model that echoes the token back
// has leaked or followed injected instructions, and its output is discarded.
type Guard struct {
	separators []string
}

// NewGuard builds a Guard over the given fence words, falling back to the
// built-in set when none are given.
func NewGuard(separators []string) *Guard {
	if len(separators) == 0 {
		separators = defaultSeparators
	}
	return &Guard{separators: separators}
}

// Fence wraps input between two occurrences of a freshly randomized token and
// returns both. The token is unpredictable per call, so prompt text asking
// the model to repeat "the separator" cannot know it in advance.
func (g *Guard) Fence(input string) (wrapped, token string, err error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(g.separators))))
	if err != nil {
		return "", "", fmt.Errorf("prompt: separator nonce: %w", err)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("prompt: separator nonce: %w", err)
	}
	sum := sha256.Sum256(nonce)
	token = fmt.Sprintf("<<%s_%s>>", g.separators[idx.Int64()], hex.EncodeToString(sum[:])[:tokenHashLen])
	wrapped = token + "\n" + input + "\n" + token
	return wrapped, token, nil
}

// Echoed reports whether output contains the fence token. Any echo means the
// model output cannot be trusted.
func (g *Guard) Echoed(output, token string) bool {
	return token != "" && strings.Contains(output, token)
}

// Strip removes every occurrence of the fence token from output. Callers use
// it for diagnostics only; echoed output is never trusted as a result.
func (g *Guard) Strip(output, token string) string {
	if token == "" {
		return output
	}
	return strings.ReplaceAll(output, token, "")
}
