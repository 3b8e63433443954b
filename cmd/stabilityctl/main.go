package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/buckhoff/stabilityfund/native/stability"
)

const (
	signPriceCommand = "sign-price"
	defaultKeyEnv    = "STABILITY_ORACLE_KEY"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case signPriceCommand:
		runSignPrice(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func runSignPrice(args []string) {
	fs := flag.NewFlagSet(signPriceCommand, flag.ExitOnError)
	keyEnv := fs.String("key-env", defaultKeyEnv, "Environment variable containing the hex-encoded signing key")
	provider := fs.String("provider", "", "Feed provider identifier registered with the fund")
	symbol := fs.String("symbol", "", "Token symbol the price covers")
	price := fs.String("price", "", "Verified price in wei")
	ts := fs.Int64("ts", 0, "Unix timestamp of the observation (defaults to now)")
	fs.Parse(args)

	if err := signPrice(*keyEnv, *provider, *symbol, *price, *ts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func signPrice(keyEnv, provider, symbol, price string, ts int64) error {
	key, err := loadSigningKey(keyEnv)
	if err != nil {
		return err
	}

	priceWei, ok := new(big.Int).SetString(strings.TrimSpace(price), 10)
	if !ok || priceWei.Sign() <= 0 {
		return fmt.Errorf("price must be a positive wei amount")
	}
	if ts <= 0 {
		ts = time.Now().Unix()
	}

	proof, err := stability.NewPriceProof(stability.PriceProofDomainV1, provider, symbol, priceWei, ts, nil)
	if err != nil {
		return err
	}
	digest, err := proof.Hash()
	if err != nil {
		return err
	}
	signature, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("failed to sign digest: %w", err)
	}

	payload := map[string]any{
		"domain":    stability.PriceProofDomainV1,
		"provider":  proof.Provider,
		"symbol":    proof.Symbol,
		"price_wei": proof.PriceWei.String(),
		"timestamp": ts,
		"signature": hexutil.Encode(signature),
		"signer":    ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
	output, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func loadSigningKey(keyEnv string) (*ecdsa.PrivateKey, error) {
	raw, ok := os.LookupEnv(keyEnv)
	if !ok {
		return nil, fmt.Errorf("environment variable %s is not set", keyEnv)
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signing key is empty")
	}
	bytes, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key encoding: %w", err)
	}
	return ethcrypto.ToECDSA(bytes)
}

func usage() {
	fmt.Println("stabilityctl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s    Sign a price proof payload for submission to stabilityd\n", signPriceCommand)
}
