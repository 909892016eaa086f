package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stxlend/cmd/internal/passphrase"
	"stxlend/crypto"
	"stxlend/gateway/middleware"
)

func newKeygenCmd(env *cmdEnv) *cobra.Command {
	var out, passEnv string
	var light bool
	cmd := leaf("keygen", "Create an encrypted keystore and print its address", func() error {
		return keygen(env, out, passEnv, light)
	})
	cmd.Flags().StringVar(&out, "out", "", "keystore file to create")
	cmd.Flags().StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the passphrase")
	cmd.Flags().BoolVar(&light, "light", false, "use the fast scrypt cost (development only)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func keygen(env *cmdEnv, out, passEnv string, light bool) error {
	path, err := required("out", out)
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(passEnv, "keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	strength := crypto.KeystoreStandard
	if light {
		strength = crypto.KeystoreLight
	}
	addr, err := crypto.SaveKeystore(path, key, pass, strength)
	if err != nil {
		return err
	}
	return env.print(map[string]string{"address": addr.String(), "keystore": path})
}

func newAddressCmd(env *cmdEnv) *cobra.Command {
	var keystore, passEnv string
	cmd := leaf("address", "Print the address held in a keystore", func() error {
		addr, err := keystoreAddress(keystore, passEnv)
		if err != nil {
			return err
		}
		fmt.Fprintln(env.stdout, addr.String())
		return nil
	})
	cmd.Flags().StringVar(&keystore, "keystore", "", "keystore file")
	cmd.Flags().StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the passphrase")
	return cmd
}

func keystoreAddress(path, passEnv string) (crypto.Address, error) {
	path, err := required("keystore", path)
	if err != nil {
		return crypto.Address{}, err
	}
	pass, err := passphrase.NewSource(passEnv, "keystore").Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.LoadKeystore(path, pass)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("load keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

type tokenOptions struct {
	subject   string
	keystore  string
	passEnv   string
	secretEnv string
	issuer    string
	audience  string
	scopes    string
	ttl       time.Duration
}

// newTokenCmd mints a token with the daemon's shared secret. The subject
// comes from --subject or from a keystore.
func newTokenCmd(env *cmdEnv) *cobra.Command {
	var opts tokenOptions
	cmd := leaf("token", "Mint a bearer token for the lending API", func() error {
		return mintToken(env, opts)
	})
	flags := cmd.Flags()
	flags.StringVar(&opts.subject, "subject", "", "principal address")
	flags.StringVar(&opts.keystore, "keystore", "", "derive the subject from this keystore")
	flags.StringVar(&opts.passEnv, "pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	flags.StringVar(&opts.secretEnv, "secret-env", defaultSecretEnv, "environment variable holding the HMAC secret")
	flags.StringVar(&opts.issuer, "issuer", "", "iss claim")
	flags.StringVar(&opts.audience, "audience", "", "comma separated aud claims")
	flags.StringVar(&opts.scopes, "scopes", "", "comma separated scopes, e.g. lending:admin")
	flags.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	cmd.MarkFlagsMutuallyExclusive("subject", "keystore")
	return cmd
}

func mintToken(env *cmdEnv, opts tokenOptions) error {
	var sub crypto.Address
	switch {
	case strings.TrimSpace(opts.subject) != "":
		addr, err := crypto.ParseAddress(opts.subject)
		if err != nil {
			return fmt.Errorf("--subject: %w", err)
		}
		sub = addr
	case strings.TrimSpace(opts.keystore) != "":
		addr, err := keystoreAddress(opts.keystore, opts.passEnv)
		if err != nil {
			return err
		}
		sub = addr
	default:
		return fmt.Errorf("--subject or --keystore is required")
	}
	secret := envOr(opts.secretEnv, "")
	if secret == "" {
		return fmt.Errorf("%s is not set", opts.secretEnv)
	}
	token, err := middleware.SignToken(secret, middleware.TokenSpec{
		Subject:  sub,
		Issuer:   strings.TrimSpace(opts.issuer),
		Audience: splitList(opts.audience),
		Scopes:   splitList(opts.scopes),
		TTL:      opts.ttl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, token)
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
