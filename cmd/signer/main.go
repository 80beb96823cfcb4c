// Command signer issues eligibility signatures and signs API requests for
// the issuance engine.
//
//	signer -generate
//	signer -key <hex> -participant 0x.. -start 1700000000 -duration 3600 -start-price 100 -end-price 10
//	signer -key <hex> -participant 0x..            (participant-scoped, for the offering)
//	signer -key <hex> -method POST -path /api/v1/auction/fill -body '{"amount_out":"5"}'
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/api"
	"github.com/atmx/issuance-engine/internal/eligibility"
)

func main() {
	generate := flag.Bool("generate", false, "generate a new signing key and exit")
	keyHex := flag.String("key", os.Getenv("ISSUANCE_SIGNER_KEY"), "hex private key (or ISSUANCE_SIGNER_KEY)")
	participant := flag.String("participant", "", "participant address")
	start := flag.Int64("start", 0, "auction start time (unix seconds); 0 signs a participant-scoped digest")
	duration := flag.Int64("duration", 0, "auction duration in seconds")
	startPrice := flag.String("start-price", "", "auction start price in raw units")
	endPrice := flag.String("end-price", "", "auction end price in raw units")
	method := flag.String("method", "", "sign an API request with this HTTP method instead of an eligibility digest")
	path := flag.String("path", "", "request path with query, e.g. /api/v1/auction/fill")
	body := flag.String("body", "", "exact request body")
	flag.Parse()

	if *generate {
		s, err := eligibility.GenerateSigner()
		if err != nil {
			fail(err)
		}
		fmt.Printf("address: %s\nkey:     %s\n", s.Address().Hex(), s.PrivateKeyHex())
		return
	}

	if *keyHex == "" {
		fail(fmt.Errorf("-key is required"))
	}
	if *method != "" {
		signRequest(*keyHex, *method, *path, *body)
		return
	}
	if !common.IsHexAddress(*participant) {
		fail(fmt.Errorf("-participant must be a hex address, got %q", *participant))
	}
	s, err := eligibility.NewSigner(*keyHex)
	if err != nil {
		fail(err)
	}
	who := common.HexToAddress(*participant)

	digest := eligibility.ParticipantDigest(who)
	if *start != 0 {
		sp, err := uint256.FromDecimal(*startPrice)
		if err != nil {
			fail(fmt.Errorf("-start-price: %w", err))
		}
		ep, err := uint256.FromDecimal(*endPrice)
		if err != nil {
			fail(fmt.Errorf("-end-price: %w", err))
		}
		digest = eligibility.RoundDigest(who, time.Unix(*start, 0), time.Duration(*duration)*time.Second, sp, ep)
	}

	sig, err := s.SignHex(digest)
	if err != nil {
		fail(err)
	}
	fmt.Printf("signer:    %s\ndigest:    %s\nsignature: %s\n", s.Address().Hex(), digest.Hex(), sig)
}

// signRequest prints the headers that authenticate one API call.
func signRequest(keyHex, method, path, body string) {
	s, err := eligibility.NewSigner(keyHex)
	if err != nil {
		fail(err)
	}
	if path == "" {
		fail(fmt.Errorf("-path is required with -method"))
	}
	ts := time.Now().UnixMilli()
	sig, err := s.SignHex(api.RequestDigest(strings.ToUpper(method), path, ts, []byte(body)))
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s: %s\n%s: %d\n%s: %s\n",
		api.HeaderAddress, s.Address().Hex(),
		api.HeaderTimestamp, ts,
		api.HeaderSignature, sig)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "signer: %v\n", err)
	os.Exit(1)
}
