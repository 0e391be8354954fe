// negctl drives the negotiation service from a terminal: create a
// relationship, initialize clauses, move them through accept/propose/respond
// and watch readiness converge.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
)

const usage = `usage:
  negctl relationship create --client-id <id> --provider-id <id> --term TYPE=VALUE [--term TYPE=VALUE ...]
  negctl clauses init --relationship <id> --party CLIENT|PROVIDER [--actor <id>]
  negctl clauses list --relationship <id>
  negctl clause accept|reject --relationship <id> --clause <type> --party CLIENT|PROVIDER [--actor <id>]
  negctl clause propose --relationship <id> --clause <type> --party CLIENT|PROVIDER --value <v> [--note <n>]
  negctl clause respond --relationship <id> --clause <type> --party CLIENT|PROVIDER --decision ACCEPT|COUNTER|REJECT [--counter <v>] [--note <n>]
  negctl readiness --relationship <id>
  negctl contract generate --relationship <id> --party CLIENT|PROVIDER [--actor <id>]
  negctl signatures status --relationship <id>

environment: NEGOTIATION_BASE_URL (default http://localhost:8084)`

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func baseURL() string {
	if v := strings.TrimSpace(os.Getenv("NEGOTIATION_BASE_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8084"
}

func main() {
	if len(os.Args) < 3 {
		fail(usage)
	}
	switch os.Args[1] + " " + os.Args[2] {
	case "relationship create":
		runRelationshipCreate(os.Args[3:])
	case "clauses init":
		runClausesInit(os.Args[3:])
	case "clauses list":
		runClausesList(os.Args[3:])
	case "clause accept", "clause reject":
		runClauseSimple(os.Args[2], os.Args[3:])
	case "clause propose":
		runClausePropose(os.Args[3:])
	case "clause respond":
		runClauseRespond(os.Args[3:])
	case "readiness list", "readiness show":
		runReadiness(os.Args[3:])
	case "contract generate":
		runContractGenerate(os.Args[3:])
	case "signatures status":
		runSignaturesStatus(os.Args[3:])
	default:
		if os.Args[1] == "readiness" {
			runReadiness(os.Args[2:])
			return
		}
		fail(usage)
	}
}

func runRelationshipCreate(args []string) {
	fs := flag.NewFlagSet("relationship create", flag.ExitOnError)
	clientID := fs.String("client-id", "", "client user id")
	providerID := fs.String("provider-id", "", "provider user id")
	var terms repeatStringFlag
	fs.Var(&terms, "term", "offered term as TYPE=VALUE (repeatable)")
	_ = fs.Parse(args)
	if *clientID == "" || *providerID == "" || len(terms) == 0 {
		fail("--client-id, --provider-id and at least one --term are required")
	}
	termMap := map[string]string{}
	for _, t := range terms {
		k, v, ok := strings.Cut(t, "=")
		if !ok {
			fail("bad --term, expected TYPE=VALUE: " + t)
		}
		termMap[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	post("/negotiation/relationships", map[string]any{
		"client_id": *clientID, "provider_id": *providerID, "terms": termMap,
	})
}

func runClausesInit(args []string) {
	fs := flag.NewFlagSet("clauses init", flag.ExitOnError)
	rel := fs.String("relationship", "", "relationship id")
	party := fs.String("party", "", "CLIENT or PROVIDER")
	actor := fs.String("actor", "", "acting user id")
	_ = fs.Parse(args)
	if *rel == "" || *party == "" {
		fail("--relationship and --party are required")
	}
	post("/negotiation/relationships/"+*rel+"/clauses:initialize", map[string]any{
		"actor_context": actorContext(*party, *actor),
	})
}

func runClausesList(args []string) {
	fs := flag.NewFlagSet("clauses list", flag.ExitOnError)
	rel := fs.String("relationship", "", "relationship id")
	_ = fs.Parse(args)
	if *rel == "" {
		fail("--relationship is required")
	}
	get("/negotiation/relationships/" + *rel + "/clauses")
}

func runClauseSimple(verb string, args []string) {
	fs := flag.NewFlagSet("clause "+verb, flag.ExitOnError)
	rel := fs.String("relationship", "", "relationship id")
	clause := fs.String("clause", "", "clause type")
	party := fs.String("party", "", "CLIENT or PROVIDER")
	actor := fs.String("actor", "", "acting user id")
	_ = fs.Parse(args)
	if *rel == "" || *clause == "" || *party == "" {
		fail("--relationship, --clause and --party are required")
	}
	post(clausePath(*rel, *clause, verb), map[string]any{
		"actor_context": actorContext(*party, *actor),
	})
}

func runClausePropose(args []string) {
	fs := flag.NewFlagSet("clause propose", flag.ExitOnError)
	rel := fs.String("relationship", "", "relationship id")
	clause := fs.String("clause", "", "clause type")
	party := fs.String("party", "", "CLIENT or PROVIDER")
	actor := fs.String("actor", "", "acting user id")
	value := fs.String("value", "", "proposed value")
	note := fs.String("note", "", "proposal note")
	_ = fs.Parse(args)
	if *rel == "" || *clause == "" || *party == "" || *value == "" {
		fail("--relationship, --clause, --party and --value are required")
	}
	post(clausePath(*rel, *clause, "propose"), map[string]any{
		"actor_context":  actorContext(*party, *actor),
		"proposed_value": *value,
		"note":           *note,
	})
}

func runClauseRespond(args []string) {
	fs := flag.NewFlagSet("clause respond", flag.ExitOnError)
	rel := fs.String("relationship", "", "relationship id")
	clause := fs.String("clause", "", "clause type")
	party := fs.String("party", "", "CLIENT or PROVIDER")
	actor := fs.String("actor", "", "acting user id")
	decision := fs.String("decision", "", "ACCEPT, COUNTER or REJECT")
	counter := fs.String("counter", "", "counter value (COUNTER only)")
	note := fs.String("note", "", "response note")
	_ = fs.Parse(args)
	if *rel == "" || *clause == "" || *party == "" || *decision == "" {
		fail("--relationship, --clause, --party and --decision are required")
	}
	post(clausePath(*rel, *clause, "respond"), map[string]any{
		"actor_context": actorContext(*party, *actor),
		"decision":      strings.ToUpper(*decision),
		"counter_value": *counter,
		"note":          *note,
	})
}

func runReadiness(args []string) {
	fs := flag.NewFlagSet("readiness", flag.ExitOnError)
	rel := fs.String("relationship", "", "relationship id")
	_ = fs.Parse(args)
	if *rel == "" {
		fail("--relationship is required")
	}
	get("/negotiation/relationships/" + *rel + "/readiness")
}

func runContractGenerate(args []string) {
	fs := flag.NewFlagSet("contract generate", flag.ExitOnError)
	rel := fs.String("relationship", "", "relationship id")
	party := fs.String("party", "", "CLIENT or PROVIDER")
	actor := fs.String("actor", "", "acting user id")
	_ = fs.Parse(args)
	if *rel == "" || *party == "" {
		fail("--relationship and --party are required")
	}
	post("/negotiation/relationships/"+*rel+"/contract:generate", map[string]any{
		"actor_context": actorContext(*party, *actor),
	})
}

func runSignaturesStatus(args []string) {
	fs := flag.NewFlagSet("signatures status", flag.ExitOnError)
	rel := fs.String("relationship", "", "relationship id")
	_ = fs.Parse(args)
	if *rel == "" {
		fail("--relationship is required")
	}
	get("/negotiation/relationships/" + *rel + "/signatures")
}

func clausePath(rel, clause, verb string) string {
	return "/negotiation/relationships/" + rel + "/clauses/" + strings.ToUpper(clause) + ":" + verb
}

func actorContext(party, actor string) map[string]any {
	return map[string]any{"party": strings.ToUpper(party), "actor_id": actor}
}

func post(path string, body map[string]any) {
	b, _ := json.Marshal(body)
	resp, err := http.Post(baseURL()+path, "application/json", bytes.NewReader(b))
	if err != nil {
		fail(err.Error())
	}
	printResponse(resp)
}

func get(path string) {
	resp, err := http.Get(baseURL() + path)
	if err != nil {
		fail(err.Error())
	}
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()
	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fail("bad response: " + err.Error())
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(pretty))
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
