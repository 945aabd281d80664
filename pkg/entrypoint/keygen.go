package entrypoint

import (
	"encoding/hex"
	"fmt"
	"os"

	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/crypto"
	"dominicbreuker/asynctcp/pkg/log"
)

// Keygen writes a static key pair for secure connections: the private key
// to Out.key, encrypted when a passphrase is set, and the public key to
// Out.pub. Existing files are only replaced with Force.
func Keygen(cfg *config.Keygen, logger *log.Logger) error {
	kp, err := crypto.GenerateKeyPair(cfg.Seed)
	if err != nil {
		return fmt.Errorf("crypto.GenerateKeyPair(): %w", err)
	}

	priv, err := crypto.EncodePrivateKeyPEM(kp, cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("crypto.EncodePrivateKeyPEM(): %w", err)
	}

	keyPath, pubPath := cfg.Out+".key", cfg.Out+".pub"
	if err := writeKeyFile(keyPath, priv, 0o600, cfg.Force); err != nil {
		return err
	}
	if err := writeKeyFile(pubPath, crypto.EncodePublicKeyPEM(kp.Public), 0o644, cfg.Force); err != nil {
		return err
	}

	logger.InfoMsg("Wrote %s and %s\n", keyPath, pubPath)
	logger.VerboseMsg("Public key %s\n", hex.EncodeToString(kp.Public))
	return nil
}

func writeKeyFile(path string, data []byte, perm os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
