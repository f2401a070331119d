// geocrypt-admin is the offline companion to the gateway: it mints keys,
// checks policy files, seals and opens hybrid objects, and inspects saved
// anomaly models. It never talks to a running server.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/geocrypt/backend/internal/anomaly"
	"github.com/geocrypt/backend/internal/envelope"
	"github.com/geocrypt/backend/internal/policy"
)

var errUsage = errors.New("usage error")

const usage = `usage: geocrypt-admin <command> [flags]

commands:
  keygen          print a new master key and an age identity
  policy-check    validate a policy file
  seal            encrypt a file to age X25519 recipients
  open            decrypt a sealed file with an age identity
  model-inspect   summarize a saved anomaly model
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "keygen":
		return runKeygen(rest, stdout)
	case "policy-check":
		return runPolicyCheck(rest, stdout)
	case "seal":
		return runSeal(rest, stdout)
	case "open":
		return runOpen(rest, stdout)
	case "model-inspect":
		return runModelInspect(rest, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("geocrypt-admin "+name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := newFlagSet("keygen")
	if err := parse(fs, args); err != nil {
		return err
	}

	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	identity, recipient, err := envelope.GenerateIdentity()
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "GEOCRYPT_MASTER_KEY=%s\n", base64.StdEncoding.EncodeToString(key))
	fmt.Fprintf(stdout, "# recipient: %s\n", recipient)
	fmt.Fprintln(stdout, identity)
	return nil
}

func runPolicyCheck(args []string, stdout io.Writer) error {
	fs := newFlagSet("policy-check")
	start := fs.Int("work-start", 6, "default work-hours start when the file omits it")
	end := fs.Int("work-end", 23, "default work-hours end when the file omits it")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: policy-check takes exactly one file", errUsage)
	}

	p, err := policy.LoadFile(fs.Arg(0), policy.WorkHours{StartHour: *start, EndHour: *end})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ok: %d geofences (%d active), %d networks, %d work windows, %d rules, work hours %02d-%02d\n",
		len(p.Geofences), len(p.ActiveGeofences()), len(p.Networks), len(p.WorkWindows), len(p.Rules),
		p.WorkHours.StartHour, p.WorkHours.EndHour)
	return nil
}

func runSeal(args []string, stdout io.Writer) error {
	fs := newFlagSet("seal")
	recipients := fs.StringSliceP("recipient", "r", nil, "age X25519 recipient (repeatable)")
	algorithm := fs.String("algorithm", envelope.AlgorithmX25519, "key-wrapping algorithm")
	out := fs.StringP("output", "o", "", "ciphertext path (default: <input>.gcx)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: seal takes exactly one input file", errUsage)
	}
	in := fs.Arg(0)
	if *out == "" {
		*out = in + ".gcx"
	}

	sealer, err := envelope.NewHybridSealer(*algorithm, *recipients)
	if err != nil {
		return err
	}
	plaintext, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	ciphertext, key, err := sealer.Ingest(plaintext)
	if err != nil {
		return err
	}
	keyBytes, err := key.MarshalBinary()
	if err != nil {
		return err
	}

	if err := os.WriteFile(*out, ciphertext, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(*out+".key", keyBytes, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "sealed %s -> %s (%d recipients)\n", in, *out, len(*recipients))
	return nil
}

func runOpen(args []string, stdout io.Writer) error {
	fs := newFlagSet("open")
	identityFile := fs.StringP("identity", "i", "", "file holding the AGE-SECRET-KEY identity")
	keyFile := fs.String("key", "", "key material path (default: <input>.key)")
	out := fs.StringP("output", "o", "", "plaintext path (default: stdout)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *identityFile == "" {
		return fmt.Errorf("%w: open takes one input file and --identity", errUsage)
	}
	in := fs.Arg(0)
	if *keyFile == "" {
		*keyFile = in + ".key"
	}

	identity, err := readIdentity(*identityFile)
	if err != nil {
		return err
	}
	ciphertext, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	keyBytes, err := os.ReadFile(*keyFile)
	if err != nil {
		return err
	}
	key, err := envelope.ParseKeyMaterial(keyBytes)
	if err != nil {
		return err
	}
	plaintext, err := envelope.ReleaseHybrid(ciphertext, key, identity)
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = stdout.Write(plaintext)
		return err
	}
	return os.WriteFile(*out, plaintext, 0o600)
}

// readIdentity returns the first identity line, skipping comments as
// written by keygen.
func readIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no age identity in %s", path)
}

func runModelInspect(args []string, stdout io.Writer) error {
	fs := newFlagSet("model-inspect")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: model-inspect takes exactly one file", errUsage)
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	m, err := anomaly.DecodeModel(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "version:     %d\n", m.Version)
	fmt.Fprintf(stdout, "trained_at:  %s\n", m.TrainedAt.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(stdout, "samples:     %d (min %d)\n", m.Samples, m.MinSamples)
	fmt.Fprintf(stdout, "features:    %d\n", m.FeatureDim)
	fmt.Fprintf(stdout, "trees:       %d\n", len(m.Forest.Trees))
	fmt.Fprintf(stdout, "sample_size: %d\n", m.Forest.SampleSize)
	fmt.Fprintf(stdout, "offset:      %.4f\n", m.Forest.Offset)
	return nil
}
