package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/pflag"

	"quorumvault/pkg/auth"
	"quorumvault/pkg/derive"
	"quorumvault/pkg/events"
	"quorumvault/pkg/models"
	"quorumvault/pkg/vaultclient"
)

type eventReader interface {
	Read(ctx context.Context) (events.Event, error)
	Close() error
}

// Testable variables for main()
var (
	osExit      = os.Exit
	newConsumer = func(cfg events.KafkaConfig) (eventReader, error) { return events.NewKafkaConsumer(cfg) }
	nowFn       = time.Now
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "token":
		return issueToken(args[1:], out)
	case "derive":
		return deriveCmd(args[1:], out)
	case "wallet":
		return walletCmd(args[1:], out)
	case "propose":
		return proposeCmd(args[1:], out)
	case "approve":
		return approveCmd(args[1:], out)
	case "execute":
		return executeCmd(args[1:], out)
	case "lock":
		return lockCmd(args[1:], out)
	case "events":
		return eventsCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "vaultctl commands:")
	fmt.Fprintln(out, "  gen-key --out key.b58")
	fmt.Fprintln(out, "  token --secret <hs256> --subject <identity> [--roles operator,auditor] [--ttl 1h]")
	fmt.Fprintln(out, "  derive --program <id> (--base <identity> | --wallet <identity> --kind derived --index 0)")
	fmt.Fprintln(out, "  wallet --wallet <identity>")
	fmt.Fprintln(out, "  propose --wallet <identity> --actions actions.json [--eta <unix>]")
	fmt.Fprintln(out, "  approve --wallet <identity> --index <n> [--revoke]")
	fmt.Fprintln(out, "  execute --wallet <identity> --index <n> [--derived-index <n>]")
	fmt.Fprintln(out, "  lock --wallet <identity>")
	fmt.Fprintln(out, "  events --brokers host:9092 [--topic quorumvault.events] [--group vaultctl] [--max 0]")
	fmt.Fprintln(out, "client commands read --url/VAULTD_URL, --token/VAULTD_TOKEN and --caller/VAULTD_CALLER")
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

type clientFlags struct {
	url     string
	token   string
	caller  string
	timeout time.Duration
}

func addClientFlags(fs *pflag.FlagSet) *clientFlags {
	cf := &clientFlags{}
	fs.StringVar(&cf.url, "url", os.Getenv("VAULTD_URL"), "vaultd base url")
	fs.StringVar(&cf.token, "token", os.Getenv("VAULTD_TOKEN"), "bearer token")
	fs.StringVar(&cf.caller, "caller", os.Getenv("VAULTD_CALLER"), "caller identity for servers with auth off")
	fs.DurationVar(&cf.timeout, "timeout", 10*time.Second, "request timeout")
	return cf
}

func (cf *clientFlags) client() (*vaultclient.Client, error) {
	if strings.TrimSpace(cf.url) == "" {
		return nil, errors.New("url required")
	}
	c := vaultclient.NewClient(cf.url, cf.timeout)
	c.AuthToken = cf.token
	if cf.caller != "" {
		id, err := solana.PublicKeyFromBase58(cf.caller)
		if err != nil {
			return nil, fmt.Errorf("caller: %w", err)
		}
		c.Caller = id
	}
	return c, nil
}

func identityFlag(name, raw string) (models.Identity, error) {
	if raw == "" {
		return models.Identity{}, fmt.Errorf("%s required", name)
	}
	id, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%s: %w", name, err)
	}
	return id, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPath := fs.String("out", "", "write the base58 private key here")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(key.String()), 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
	}
	fmt.Fprintln(out, key.PublicKey().String())
	return nil
}

func issueToken(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	secret := fs.String("secret", os.Getenv("AUTH_HS256_SECRET"), "hs256 secret")
	subject := fs.String("subject", "", "caller identity")
	roles := fs.StringSlice("roles", nil, "roles claim")
	issuer := fs.String("issuer", "", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sub, err := identityFlag("subject", *subject)
	if err != nil {
		return err
	}
	tok, err := auth.IssueHS256(*secret, sub, *roles, *issuer, *audience, nowFn(), *ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, tok)
	return nil
}

func deriveCmd(args []string, out io.Writer) error {
	fs := newFlagSet("derive")
	program := fs.String("program", "", "engine program id")
	base := fs.String("base", "", "wallet base identity")
	wallet := fs.String("wallet", "", "wallet identity")
	kind := fs.String("kind", models.SubIdentityDerived.String(), "derived or owner_invoker")
	index := fs.Uint64("index", 0, "sub-identity index")
	if err := fs.Parse(args); err != nil {
		return err
	}
	programID, err := identityFlag("program", *program)
	if err != nil {
		return err
	}
	d := derive.NewProgramDeriver(programID)
	if *base != "" {
		b, err := identityFlag("base", *base)
		if err != nil {
			return err
		}
		key, err := d.WalletKey(b)
		if err != nil {
			return fmt.Errorf("derive wallet: %w", err)
		}
		fmt.Fprintln(out, key.String())
		return nil
	}
	w, err := identityFlag("wallet", *wallet)
	if err != nil {
		return errors.New("base or wallet required")
	}
	k, ok := models.ParseSubIdentityKind(*kind)
	if !ok {
		return fmt.Errorf("unknown kind %q", *kind)
	}
	sub, err := d.SubIdentity(k, w, *index)
	if err != nil {
		return fmt.Errorf("derive sub-identity: %w", err)
	}
	fmt.Fprintln(out, sub.String())
	return nil
}

func walletCmd(args []string, out io.Writer) error {
	fs := newFlagSet("wallet")
	cf := addClientFlags(fs)
	wallet := fs.String("wallet", "", "wallet identity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := identityFlag("wallet", *wallet)
	if err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}
	got, err := c.Wallet(context.Background(), w)
	if err != nil {
		return err
	}
	return printJSON(out, got)
}

func proposeCmd(args []string, out io.Writer) error {
	fs := newFlagSet("propose")
	cf := addClientFlags(fs)
	wallet := fs.String("wallet", "", "wallet identity")
	actionsPath := fs.String("actions", "", "json file with an array of actions")
	eta := fs.Int64("eta", models.NoETA, "earliest execution time, unix seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := identityFlag("wallet", *wallet)
	if err != nil {
		return err
	}
	if *actionsPath == "" {
		return errors.New("actions required")
	}
	raw, err := os.ReadFile(*actionsPath)
	if err != nil {
		return fmt.Errorf("read actions: %w", err)
	}
	var actions []models.Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return fmt.Errorf("decode actions: %w", err)
	}
	c, err := cf.client()
	if err != nil {
		return err
	}
	var etaPtr *int64
	if *eta != models.NoETA {
		etaPtr = eta
	}
	tx, err := c.Propose(context.Background(), w, actions, etaPtr)
	if err != nil {
		return err
	}
	return printJSON(out, tx)
}

func approveCmd(args []string, out io.Writer) error {
	fs := newFlagSet("approve")
	cf := addClientFlags(fs)
	wallet := fs.String("wallet", "", "wallet identity")
	index := fs.Uint64("index", 0, "transaction index")
	revoke := fs.Bool("revoke", false, "withdraw the approval instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := identityFlag("wallet", *wallet)
	if err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}
	var tx models.Transaction
	if *revoke {
		tx, err = c.Unapprove(context.Background(), w, *index)
	} else {
		tx, err = c.Approve(context.Background(), w, *index)
	}
	if err != nil {
		return err
	}
	return printJSON(out, tx)
}

func executeCmd(args []string, out io.Writer) error {
	fs := newFlagSet("execute")
	cf := addClientFlags(fs)
	wallet := fs.String("wallet", "", "wallet identity")
	index := fs.Uint64("index", 0, "transaction index")
	derivedIndex := fs.Int64("derived-index", -1, "execute as the derived sub-identity at this index")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := identityFlag("wallet", *wallet)
	if err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}
	var derived *uint64
	if *derivedIndex >= 0 {
		v := uint64(*derivedIndex)
		derived = &v
	}
	receipt, err := c.Execute(context.Background(), w, *index, derived)
	if err != nil {
		return err
	}
	return printJSON(out, receipt)
}

func lockCmd(args []string, out io.Writer) error {
	fs := newFlagSet("lock")
	cf := addClientFlags(fs)
	wallet := fs.String("wallet", "", "wallet identity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := identityFlag("wallet", *wallet)
	if err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}
	if err := c.Lock(context.Background(), w); err != nil {
		return err
	}
	fmt.Fprintf(out, "locked %s\n", w)
	return nil
}

func eventsCmd(args []string, out io.Writer) error {
	fs := newFlagSet("events")
	brokers := fs.StringSlice("brokers", strings.Split(os.Getenv("KAFKA_BROKERS"), ","), "kafka brokers")
	topic := fs.String("topic", "quorumvault.events", "event topic")
	group := fs.String("group", "vaultctl", "consumer group")
	wallet := fs.String("wallet", "", "only print events for this wallet")
	limit := fs.Int("max", 0, "stop after this many events, 0 for no limit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := newConsumer(events.KafkaConfig{Brokers: *brokers, Topic: *topic, GroupID: *group})
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	defer consumer.Close()

	ctx := context.Background()
	enc := json.NewEncoder(out)
	for n := 0; *limit == 0 || n < *limit; {
		evt, err := consumer.Read(ctx)
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if *wallet != "" && evt.Wallet != *wallet {
			continue
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
		n++
	}
	return nil
}
