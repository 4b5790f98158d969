package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/traefik/yaegi/interp"
)

// Operator source executed in the child follows a fixed shape: an
// import-free main package that defines
//
//	func Result() string
//
// The child applies its OS ceilings, clears its environment, interprets
// the source with no stdlib symbols loaded (only language built-ins are
// available), calls Result, and writes the one-shot response to stdout.

// ExecChild is the entry point behind the hidden sandbox-exec command.
// It always writes exactly one JSON response to out and returns the
// process exit code.
func ExecChild(in io.Reader, out io.Writer) int {
	resp := runChild(in)
	enc := json.NewEncoder(out)
	if err := enc.Encode(resp); err != nil {
		return 1
	}
	if resp.Error != "" {
		return 1
	}
	return 0
}

func runChild(in io.Reader) (resp response) {
	defer func() {
		if r := recover(); r != nil {
			resp = response{Error: fmt.Sprintf("panic in sandboxed operator: %v", r)}
		}
	}()

	var req request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return response{Error: fmt.Sprintf("bad sandbox request: %v", err)}
	}

	// Ceilings go on before any user code is interpreted.
	if err := applyLimits(req.CPUSeconds, req.MemLimit); err != nil {
		return response{Error: err.Error()}
	}
	os.Clearenv()

	i := interp.New(interp.Options{})
	// No stdlib symbols are loaded: the interpreter exposes only the
	// language itself, which is the "minimal safe built-ins" surface.
	if _, err := i.Eval(req.Source); err != nil {
		return response{Error: fmt.Sprintf("operator source rejected: %v", err)}
	}
	v, err := i.Eval("main.Result()")
	if err != nil {
		return response{Error: fmt.Sprintf("operator failed: %v", err)}
	}

	result, ok := v.Interface().(string)
	if !ok {
		return response{Error: fmt.Sprintf("operator Result() returned %T, want string", v.Interface())}
	}
	return response{Result: result}
}

func applyLimits(cpuSeconds, memLimit int64) error {
	if cpuSeconds > 0 {
		lim := syscall.Rlimit{Cur: uint64(cpuSeconds), Max: uint64(cpuSeconds)}
		if err := syscall.Setrlimit(syscall.RLIMIT_CPU, &lim); err != nil {
			return fmt.Errorf("set cpu limit: %w", err)
		}
	}
	if memLimit > 0 {
		lim := syscall.Rlimit{Cur: uint64(memLimit), Max: uint64(memLimit)}
		if err := syscall.Setrlimit(syscall.RLIMIT_AS, &lim); err != nil {
			return fmt.Errorf("set address-space limit: %w", err)
		}
	}
	return nil
}
