// internal/humanoid/typist.go
// Package humanoid produces keystroke cadences for text that must be entered
// through real key events. The editor drops programmatic value assignment, so
// the title is typed character by character with human-like inter-key delays.
package humanoid

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/browser/session"
	"github.com/xkilldash9x/quill-cli/internal/clock"
	"github.com/xkilldash9x/quill-cli/internal/config"
)

// -- keyboardNeighbors maps characters to their adjacent keys on a QWERTY layout --
var keyboardNeighbors = map[rune]string{
	'1': "2q`", '2': "13wq", '3': "24we", '4': "35er", '5': "46rt", '6': "57ty",
	'7': "68yu", '8': "79ui", '9': "80io", '0': "9-op",
	'q': "wa1s", 'w': "qase23", 'e': "wsdr34", 'r': "edft45", 't': "rfgy56",
	'y': "tghu67", 'u': "yhji78", 'i': "ujko89", 'o': "iklp90", 'p': "ol;0-",
	'a': "qwsz", 's': "awedxz", 'd': "serfcx", 'f': "drtgvc", 'g': "ftyhbv",
	'h': "gyujnb", 'j': "huikmn", 'k': "jiol,m", 'l': "kop;.",
	'z': "asx", 'x': "zsdc", 'c': "xdfv", 'v': "cfgb", 'b': "vghn", 'n': "bhjm", 'm': "njk,",
}

// -- commonNgrams contains common letter combinations typed in a faster rhythm --
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true,
}

// Typist types text into whatever element currently has focus.
type Typist struct {
	cfg   config.HumanoidConfig
	clock clock.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTypist creates a Typist. A zero seed uses the current time.
func NewTypist(cfg config.HumanoidConfig, clk clock.Clock, seed int64) *Typist {
	if clk == nil {
		clk = clock.New()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Typist{cfg: cfg, clock: clk, rng: rand.New(rand.NewSource(seed))}
}

// Type enters text through d. With the cadence disabled the whole string goes
// out as one insert; otherwise each character is a separate key event.
func (t *Typist) Type(ctx context.Context, d session.Driver, text string) error {
	if !t.cfg.Enabled {
		return t.send(ctx, d, text)
	}
	runes := []rune(text)
	for i, r := range runes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.keyPause(ctx, runes, i); err != nil {
			return err
		}
		if t.shouldTypo(r) {
			if err := t.typo(ctx, d, r); err != nil {
				return err
			}
		}
		if err := t.send(ctx, d, string(r)); err != nil {
			return err
		}
		if err := t.clock.Sleep(ctx, t.keyHold()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Typist) send(ctx context.Context, d session.Driver, s string) error {
	out, err := d.TypeText(ctx, s)
	if err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("%w: keystroke %q rejected: %s", schemas.ErrContentInjection, s, out.Reason)
	}
	return nil
}

func (t *Typist) shouldTypo(r rune) bool {
	if t.cfg.TypoRate <= 0 {
		return false
	}
	if _, ok := keyboardNeighbors[unicode.ToLower(r)]; !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < t.cfg.TypoRate
}

// typo strikes a neighbouring key, pauses, and erases it again.
func (t *Typist) typo(ctx context.Context, d session.Driver, r rune) error {
	neighbors := keyboardNeighbors[unicode.ToLower(r)]
	t.mu.Lock()
	wrong := rune(neighbors[t.rng.Intn(len(neighbors))])
	t.mu.Unlock()
	if unicode.IsUpper(r) {
		wrong = unicode.ToUpper(wrong)
	}

	if err := t.send(ctx, d, string(wrong)); err != nil {
		return err
	}
	pause := time.Duration(t.cfg.TypoCorrectPause) * time.Millisecond
	if err := t.clock.Sleep(ctx, pause); err != nil {
		return err
	}
	out, err := d.Press(ctx, session.KeyBackspace)
	if err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("%w: backspace rejected: %s", schemas.ErrContentInjection, out.Reason)
	}
	return nil
}

// keyHold is how long the key stays down, floored at 20ms.
func (t *Typist) keyHold() time.Duration {
	t.mu.Lock()
	n := t.rng.NormFloat64()
	t.mu.Unlock()
	delay := math.Max(20, n*t.cfg.KeyHoldStdDev+t.cfg.KeyHoldMean)
	return time.Duration(delay) * time.Millisecond
}

// keyPause sleeps the inter-key delay for runes[i]. Common digraphs and
// trigraphs are typed faster.
func (t *Typist) keyPause(ctx context.Context, runes []rune, i int) error {
	return t.clock.Sleep(ctx, t.pauseFor(runes, i))
}

func (t *Typist) pauseFor(runes []rune, i int) time.Duration {
	t.mu.Lock()
	n := t.rng.NormFloat64()
	t.mu.Unlock()

	factor := ngramFactor(runes, i, t.cfg.DigraphFactor, t.cfg.TrigraphFactor)
	mean := t.cfg.KeyPauseMean * factor
	minDelay := t.cfg.KeyPauseMin * factor
	delay := math.Max(minDelay, n*t.cfg.KeyPauseStdDev+mean)
	return time.Duration(delay) * time.Millisecond
}

func ngramFactor(runes []rune, i int, digraph, trigraph float64) float64 {
	if i >= 2 && commonNgrams[strings.ToLower(string(runes[i-2:i+1]))] {
		return trigraph
	}
	if i >= 1 && commonNgrams[strings.ToLower(string(runes[i-1:i+1]))] {
		return digraph
	}
	return 1.0
}
