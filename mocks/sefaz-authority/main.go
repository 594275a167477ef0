package main

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	defaultPort      = "8443"
	defaultLatencyMs = "100"
)

var (
	latencyMs   = getEnvInt("LATENCY_MS", defaultLatencyMs)
	healthCStat = getEnvInt("HEALTH_CSTAT", "107")
)

// authorized tracks keys the mock has already accepted, so a resubmission of
// the same key answers 539 the way the real authority does.
var (
	mu         sync.Mutex
	authorized = map[string]string{} // access key -> protocol number
	cancelled  = map[string]bool{}
)

type enviDoc struct {
	XMLName   xml.Name `xml:"enviDoc"`
	AccessKey string   `xml:"chAcesso"`
}

type consSitDoc struct {
	XMLName   xml.Name `xml:"consSitDoc"`
	AccessKey string   `xml:"chAcesso"`
}

type envEvento struct {
	XMLName   xml.Name `xml:"envEvento"`
	AccessKey string   `xml:"chAcesso"`
}

type inutDoc struct {
	XMLName     xml.Name `xml:"inutDoc"`
	Series      int      `xml:"serie"`
	FirstNumber int64    `xml:"nDocIni"`
	LastNumber  int64    `xml:"nDocFim"`
}

func main() {
	port := getEnv("PORT", defaultPort)

	http.HandleFunc("/health", handleHealth)
	http.HandleFunc("/ws/status", handleServiceStatus)
	http.HandleFunc("/ws/authorization", handleAuthorization)
	http.HandleFunc("/ws/query", handleQuery)
	http.HandleFunc("/ws/event", handleEvent)
	http.HandleFunc("/ws/void", handleVoid)

	log.Printf("🏛️  Mock SEFAZ Authority starting on port %s", port)
	log.Printf("⏱️  Simulated latency: %dms", latencyMs)
	log.Printf("💡 Scenario digits (positions 41-43 of the access key): 108=paralyzed, 215=schema reject, 539=duplicate, 217=unknown on query, 501=late cancellation")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatal(err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "sefaz-authority",
		"version": "1.0.0",
	})
}

func handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	simulateLatency()
	reason := "Servico em Operacao"
	if healthCStat != 107 {
		reason = "Servico Paralisado Momentaneamente"
	}
	writeXML(w, "retConsStatServ", healthCStat, reason, "")
}

func handleAuthorization(w http.ResponseWriter, r *http.Request) {
	simulateLatency()
	var req enviDoc
	if !decodeXML(w, r, &req) {
		return
	}

	switch scenario(req.AccessKey) {
	case "108":
		writeXML(w, "retEnviDoc", 108, "Servico Paralisado Momentaneamente", "")
		return
	case "215":
		writeXML(w, "retEnviDoc", 215, "Rejeicao: Falha no schema XML", "")
		return
	}

	mu.Lock()
	defer mu.Unlock()
	_, seen := authorized[req.AccessKey]
	if seen || scenario(req.AccessKey) == "539" {
		if !seen {
			// The 539 scenario simulates a lost response: the document was
			// authorized but the caller never saw it.
			authorized[req.AccessKey] = protocolFor(req.AccessKey)
		}
		writeXML(w, "retEnviDoc", 539, "Rejeicao: Duplicidade de documento", "")
		return
	}

	nProt := protocolFor(req.AccessKey)
	authorized[req.AccessKey] = nProt
	log.Printf("✅ authorized %s nProt=%s", req.AccessKey, nProt)
	writeXML(w, "retEnviDoc", 100, "Autorizado o uso", nProt)
}

func handleQuery(w http.ResponseWriter, r *http.Request) {
	simulateLatency()
	var req consSitDoc
	if !decodeXML(w, r, &req) {
		return
	}

	if scenario(req.AccessKey) == "217" {
		writeXML(w, "retConsSitDoc", 217, "Documento nao consta na base de dados", "")
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if cancelled[req.AccessKey] {
		writeXML(w, "retConsSitDoc", 101, "Cancelamento de documento homologado", authorized[req.AccessKey])
		return
	}
	if nProt, ok := authorized[req.AccessKey]; ok {
		writeXML(w, "retConsSitDoc", 100, "Autorizado o uso", nProt)
		return
	}
	writeXML(w, "retConsSitDoc", 217, "Documento nao consta na base de dados", "")
}

func handleEvent(w http.ResponseWriter, r *http.Request) {
	simulateLatency()
	var req envEvento
	if !decodeXML(w, r, &req) {
		return
	}

	if scenario(req.AccessKey) == "501" {
		writeXML(w, "retEnvEvento", 501, "Rejeicao: Prazo de cancelamento superior ao previsto na legislacao", "")
		return
	}

	mu.Lock()
	defer mu.Unlock()
	cancelled[req.AccessKey] = true
	log.Printf("🚫 cancellation registered for %s", req.AccessKey)
	writeXML(w, "retEnvEvento", 135, "Evento registrado e vinculado a NF-e", protocolFor(req.AccessKey+"cancel"))
}

func handleVoid(w http.ResponseWriter, r *http.Request) {
	simulateLatency()
	var req inutDoc
	if !decodeXML(w, r, &req) {
		return
	}
	key := fmt.Sprintf("void-%d-%d-%d", req.Series, req.FirstNumber, req.LastNumber)
	log.Printf("🗑️  voided series %d range %d-%d", req.Series, req.FirstNumber, req.LastNumber)
	writeXML(w, "retInutDoc", 102, "Inutilizacao de numero homologado", protocolFor(key))
}

// scenario returns the three digits preceding the access key's check digit.
// E2E tests mint keys ending in a scenario code to steer the mock.
func scenario(accessKey string) string {
	if len(accessKey) != 44 {
		return ""
	}
	return accessKey[40:43]
}

// protocolFor derives a stable 15-digit protocol number, so repeated queries
// for the same document always agree.
func protocolFor(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return fmt.Sprintf("135%012d", h.Sum64()%1_000_000_000_000)
}

func decodeXML(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil || xml.Unmarshal(body, v) != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeXML(w http.ResponseWriter, root string, cStat int, xMotivo, nProt string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<%s><cStat>%d</cStat><xMotivo>%s</xMotivo>", root, cStat, xMotivo)
	if nProt != "" {
		fmt.Fprintf(w, "<nProt>%s</nProt>", nProt)
	}
	fmt.Fprintf(w, "</%s>", root)
}

func simulateLatency() {
	if latencyMs > 0 {
		time.Sleep(time.Duration(latencyMs) * time.Millisecond)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key, fallback string) int {
	v := getEnv(key, fallback)
	n, err := strconv.Atoi(v)
	if err != nil {
		n, _ = strconv.Atoi(fallback)
	}
	return n
}
