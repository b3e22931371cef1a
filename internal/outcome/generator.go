// Package outcome draws round results from mixed cryptographic entropy and produces the
// audit material needed to verify them afterwards.
//
// A round commits to sha256(serverSeed) when it opens. At resolution the generator reads
// fresh OS entropy and a process-local nonce; raw entropy is seed||fresh||nonce, the audit
// proof is sha256(raw||roundID), and the number is sampled from an HKDF-SHA256 stream of raw
// salted with the round id. Every input is recorded on the round, so Verify can replay it.
package outcome

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"golang.org/x/crypto/hkdf"
)

// ErrEntropyUnavailable means the entropy source could not be read. Rounds fail rather than
// fall back to a weaker source.
var ErrEntropyUnavailable = errors.New("entropy unavailable")

// ErrProofMismatch means recorded round data does not reproduce its published outcome.
var ErrProofMismatch = errors.New("audit proof mismatch")

// MaxBiasFactor caps how strongly an advisory category can tilt the draw.
const MaxBiasFactor = 4

const (
	seedSize  = 32
	freshSize = 32
	hkdfInfo  = "roundhouse/outcome/v1"
)

// Commitment is recorded on a round when it opens.
type Commitment struct {
	ServerSeed string
	CommitHash string
}

// Result is a committed outcome with everything needed to reproduce it.
type Result struct {
	Number  int
	Colors  []models.Color
	Entropy string
	Nonce   uint64
	Proof   string
	Weights []uint32
}

// Generator produces commitments and outcomes. It is safe for concurrent use.
type Generator struct {
	src          io.Reader
	counter      atomic.Uint64
	biasFactor   uint32
	minimalWager int64
}

// Option customizes a Generator.
type Option func(*Generator)

// WithEntropySource replaces crypto/rand.Reader.
func WithEntropySource(r io.Reader) Option {
	return func(g *Generator) { g.src = r }
}

// WithAdvisoryBias sets the weight multiplier for advisory categories whose wagered total is
// at or below minimalWager.
func WithAdvisoryBias(factor uint32, minimalWager int64) Option {
	return func(g *Generator) {
		g.biasFactor = factor
		g.minimalWager = minimalWager
	}
}

// NewGenerator seeds the process-local nonce from the entropy source.
func NewGenerator(opts ...Option) (*Generator, error) {
	g := &Generator{src: rand.Reader, biasFactor: 2}
	for _, opt := range opts {
		opt(g)
	}
	var buf [8]byte
	if _, err := io.ReadFull(g.src, buf[:]); err != nil {
		return nil, fmt.Errorf("%w: seeding nonce: %v", ErrEntropyUnavailable, err)
	}
	g.counter.Store(binary.BigEndian.Uint64(buf[:]))
	return g, nil
}

// Commit draws a fresh server seed for a new round.
func (g *Generator) Commit() (Commitment, error) {
	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(g.src, seed); err != nil {
		return Commitment{}, fmt.Errorf("%w: server seed: %v", ErrEntropyUnavailable, err)
	}
	return Commitment{ServerSeed: hex.EncodeToString(seed), CommitHash: CommitHash(seed)}, nil
}

// Generate draws the outcome for r given its placed bets.
func (g *Generator) Generate(r *models.Round, bets []*models.Bet) (Result, error) {
	seed, err := hex.DecodeString(r.ServerSeed)
	if err != nil || len(seed) != seedSize {
		return Result{}, fmt.Errorf("round %s has no usable server seed", r.ID)
	}
	fresh := make([]byte, freshSize)
	if _, err := io.ReadFull(g.src, fresh); err != nil {
		return Result{}, fmt.Errorf("%w: round %s: %v", ErrEntropyUnavailable, r.ID, err)
	}
	nonce := g.counter.Add(1)
	weights := Weights(r.AdvisoryCategory, bets, g.biasFactor, g.minimalWager)

	raw := rawEntropy(seed, fresh, nonce)
	n, err := Derive(raw, r.ID, weights)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Number:  n,
		Colors:  models.ColorsFor(n),
		Entropy: hex.EncodeToString(fresh),
		Nonce:   nonce,
		Proof:   Proof(raw, r.ID),
		Weights: weights,
	}, nil
}

// Apply copies a result onto the round.
func (res Result) Apply(r *models.Round) {
	n := res.Number
	r.OutcomeNumber = &n
	r.OutcomeColors = res.Colors
	r.Entropy = res.Entropy
	r.Nonce = res.Nonce
	r.AuditProof = res.Proof
	r.Weights = res.Weights
}

// CommitHash is the hex sha256 of the server seed.
func CommitHash(seed []byte) string {
	sum := sha256.Sum256(seed)
	return hex.EncodeToString(sum[:])
}

// Proof is the hex sha256 of raw entropy followed by the round id.
func Proof(raw []byte, roundID uuid.UUID) string {
	h := sha256.New()
	h.Write(raw)
	h.Write(roundID[:])
	return hex.EncodeToString(h.Sum(nil))
}

func rawEntropy(seed, fresh []byte, nonce uint64) []byte {
	raw := make([]byte, 0, len(seed)+len(fresh)+8)
	raw = append(raw, seed...)
	raw = append(raw, fresh...)
	return binary.BigEndian.AppendUint64(raw, nonce)
}

// Derive samples a number from the weight table using an HKDF stream over raw.
func Derive(raw []byte, roundID uuid.UUID, weights []uint32) (int, error) {
	if len(weights) != models.OutcomeCount {
		return 0, fmt.Errorf("weight table has %d entries, want %d", len(weights), models.OutcomeCount)
	}
	var total uint64
	for _, w := range weights {
		total += uint64(w)
	}
	if total == 0 {
		return 0, errors.New("weight table is empty")
	}

	stream := hkdf.New(sha256.New, raw, roundID[:], []byte(hkdfInfo))
	limit := math.MaxUint64 - math.MaxUint64%total
	var buf [8]byte
	for {
		if _, err := io.ReadFull(stream, buf[:]); err != nil {
			return 0, fmt.Errorf("hkdf stream exhausted: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v >= limit {
			continue
		}
		v %= total
		for n, w := range weights {
			if v < uint64(w) {
				return n, nil
			}
			v -= uint64(w)
		}
	}
}

// Weights is uniform unless an advisory category is set and its wagered total is at or
// below minimalWager, in which case numbers covered by the category weigh factor (capped).
func Weights(advisory string, bets []*models.Bet, factor uint32, minimalWager int64) []uint32 {
	w := make([]uint32, models.OutcomeCount)
	for i := range w {
		w[i] = 1
	}
	if advisory == "" || factor <= 1 {
		return w
	}
	sel, err := models.ParseSelection(advisory)
	if err != nil {
		return w
	}
	var wagered int64
	for _, b := range bets {
		if b.Selection == sel {
			wagered += b.Amount
		}
	}
	if wagered > minimalWager {
		return w
	}
	factor = min(factor, MaxBiasFactor)
	for n := range w {
		if sel.Covers(n) {
			w[n] = factor
		}
	}
	return w
}

// Verify replays a resolved round from its recorded seed, entropy, nonce and weights.
func Verify(r *models.Round) error {
	if !r.HasOutcome() {
		return fmt.Errorf("round %s has no committed outcome", r.ID)
	}
	seed, err := hex.DecodeString(r.ServerSeed)
	if err != nil {
		return fmt.Errorf("%w: server seed is not hex", ErrProofMismatch)
	}
	if CommitHash(seed) != r.CommitHash {
		return fmt.Errorf("%w: commit hash", ErrProofMismatch)
	}
	fresh, err := hex.DecodeString(r.Entropy)
	if err != nil {
		return fmt.Errorf("%w: entropy is not hex", ErrProofMismatch)
	}
	raw := rawEntropy(seed, fresh, r.Nonce)
	if Proof(raw, r.ID) != r.AuditProof {
		return fmt.Errorf("%w: proof", ErrProofMismatch)
	}
	n, err := Derive(raw, r.ID, r.Weights)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}
	if n != *r.OutcomeNumber {
		return fmt.Errorf("%w: outcome %d does not match derived %d", ErrProofMismatch, *r.OutcomeNumber, n)
	}
	return nil
}
