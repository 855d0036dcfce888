package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Klingon-tech/klingdex-resolver/internal/config"
	"github.com/Klingon-tech/klingdex-resolver/internal/wallet"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// envMnemonic supplies an existing mnemonic to -init-keystore.
const envMnemonic = "RESOLVER_MNEMONIC"

// createKeystore seals a fresh or supplied mnemonic into the seed file.
// A generated mnemonic is printed once so the operator can back it up.
func createKeystore(keys *wallet.Service, cfg *config.Config) error {
	log := logging.GetDefault()

	password := cfg.Resolver.Password
	if password == "" {
		return fmt.Errorf("%s must be set", config.EnvPassword)
	}
	if err := wallet.ValidatePassword(password); err != nil {
		return err
	}

	mnemonic := strings.Join(strings.Fields(os.Getenv(envMnemonic)), " ")
	generated := mnemonic == ""
	if generated {
		var err error
		if mnemonic, err = wallet.GenerateMnemonic(); err != nil {
			return err
		}
	} else if !wallet.ValidateMnemonic(mnemonic) {
		return errors.New(envMnemonic + " is not a valid BIP39 mnemonic")
	}

	addr, err := keys.Create(mnemonic, "", password)
	if err != nil {
		return err
	}
	defer keys.Lock()

	log.Info("Keystore created", "path", keys.Path(), "address", addr.Hex(),
		"derivation", wallet.DerivationPath(cfg.Resolver.Account, cfg.Resolver.Index))
	if generated {
		fmt.Println()
		fmt.Println("Write down this mnemonic. It is the only backup of the resolver key:")
		fmt.Println()
		fmt.Println("  " + mnemonic)
		fmt.Println()
	}
	return nil
}
