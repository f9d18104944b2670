package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// ErrCompile marks a candidate whose source does not build. It is an outcome
// of the candidate, not of the environment, and feeds back into refinement.
var ErrCompile = errors.New("compilation failed")

// CompiledArtifact is the build output for one candidate contract.
type CompiledArtifact struct {
	ContractName string          `json:"contract_name"`
	Bytecode     hexutil.Bytes   `json:"bytecode"`
	ABI          json.RawMessage `json:"abi,omitempty"`
}

// ExploitCandidate is one immutable revision of authored exploit source.
// A superseded candidate is never mutated; the controller keeps prior
// revisions for diagnostics.
type ExploitCandidate struct {
	Source   string            `json:"source"`
	Revision int               `json:"revision"`
	Artifact *CompiledArtifact `json:"artifact,omitempty"`
}

// Compiler builds candidate source with forge in a throwaway project dir.
type Compiler struct {
	forgeBin    string
	solcVersion string
	entryPoint  string
	log         *logrus.Entry
}

// NewCompiler configures a forge-based compiler. entryPoint is the function
// name used to pick the right contract out of a multi-contract build.
func NewCompiler(forgeBin, solcVersion, entryPoint string, logger *logrus.Logger) *Compiler {
	if forgeBin == "" {
		forgeBin = "forge"
	}
	if entryPoint == "" {
		entryPoint = "run"
	}
	return &Compiler{
		forgeBin:    forgeBin,
		solcVersion: solcVersion,
		entryPoint:  entryPoint,
		log:         logger.WithField("component", "compiler"),
	}
}

// Compile writes source into a scratch foundry project and builds it. Build
// failures return ErrCompile with the compiler's message attached.
func (c *Compiler) Compile(ctx context.Context, source string) (*CompiledArtifact, error) {
	dir, err := os.MkdirTemp("", "exploitscan-build-")
	if err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := c.writeProject(dir, source); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.forgeBin, "build", "--root", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			// Missing or broken toolchain is environmental, not the
			// candidate's fault.
			return nil, fmt.Errorf("run %s: %w", c.forgeBin, err)
		}
		c.log.WithField("output", tail(string(output), 2000)).Debug("candidate build failed")
		return nil, fmt.Errorf("%w: %s", ErrCompile, tail(string(output), 500))
	}

	artifact, err := c.pickArtifact(filepath.Join(dir, "out"))
	if err != nil {
		return nil, err
	}
	c.log.WithField("contract", artifact.ContractName).Debug("candidate compiled")
	return artifact, nil
}

func (c *Compiler) writeProject(dir, source string) error {
	var toml strings.Builder
	toml.WriteString("[profile.default]\nsrc = \"src\"\nout = \"out\"\nlibs = []\n")
	if c.solcVersion != "" {
		fmt.Fprintf(&toml, "solc = %q\n", c.solcVersion)
	}
	if err := os.WriteFile(filepath.Join(dir, "foundry.toml"), []byte(toml.String()), 0o644); err != nil {
		return fmt.Errorf("write foundry.toml: %w", err)
	}

	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return fmt.Errorf("create src dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "Candidate.sol"), []byte(source), 0o644); err != nil {
		return fmt.Errorf("write candidate source: %w", err)
	}
	return nil
}

type forgeArtifact struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode struct {
		Object string `json:"object"`
	} `json:"bytecode"`
}

// pickArtifact scans the build output and prefers the contract exposing the
// configured entry point; any deployable contract is the fallback.
func (c *Compiler) pickArtifact(outDir string) (*CompiledArtifact, error) {
	var fallback *CompiledArtifact
	var picked *CompiledArtifact

	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") || picked != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var art forgeArtifact
		if err := json.Unmarshal(raw, &art); err != nil {
			return nil // metadata files etc.
		}
		code := strings.TrimPrefix(art.Bytecode.Object, "0x")
		if code == "" {
			return nil // interfaces and abstract contracts
		}
		bytecode, err := hexutil.Decode("0x" + code)
		if err != nil {
			return nil
		}
		compiled := &CompiledArtifact{
			ContractName: strings.TrimSuffix(d.Name(), ".json"),
			Bytecode:     bytecode,
			ABI:          art.ABI,
		}
		if strings.Contains(string(art.ABI), fmt.Sprintf("%q", c.entryPoint)) {
			picked = compiled
			return nil
		}
		if fallback == nil {
			fallback = compiled
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan build output: %w", err)
	}

	if picked != nil {
		return picked, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: build produced no deployable contract", ErrCompile)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
