// Command example runs a self-contained demonstration of the tails server:
// it starts a stub registry backend and a server instance, uploads a small
// tails file through the multipart protocol, downloads it back, and runs a
// substring match.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"tails/internal/tails"

	"github.com/mr-tron/base58"
)

const revRegID = "4QxzWk3ajdnEA37NdNU5Kt:4:4QxzWk3ajdnEA37NdNU5Kt:3:CL:99:tag:CL_ACCUM:tag1"

// buildTailsFile returns a minimal well-formed tails payload: the 2-byte
// version marker followed by one 128-byte factor.
func buildTailsFile() []byte {
	payload := make([]byte, 2+128)
	payload[1] = 0x02
	for i := 2; i < len(payload); i++ {
		payload[i] = byte(i)
	}
	return payload
}

// startRegistryStub serves the revocation registry definition the way the
// centralized backend expects, answering with the expected tails hash.
func startRegistryStub(tailsHash string) (*http.Server, string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/revocationDefinition/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        r.PathValue("id"),
			"credDefId": "4QxzWk3ajdnEA37NdNU5Kt:3:CL:99:tag",
			"value":     map[string]any{"tailsHash": tailsHash},
		})
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}

	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(listener) }()

	return srv, "http://" + listener.Addr().String(), nil
}

func upload(baseURL string, genesis []byte, payload []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	genesisField, err := writer.CreateFormField("genesis")
	if err != nil {
		return err
	}
	if _, err := genesisField.Write(genesis); err != nil {
		return err
	}

	tailsField, err := writer.CreateFormFile("tails", "tails")
	if err != nil {
		return err
	}
	if _, err := tailsField.Write(payload); err != nil {
		return err
	}

	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPut, baseURL+"/"+revRegID, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Ledger-Type", "centralized")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	answer, _ := io.ReadAll(resp.Body)
	fmt.Printf("PUT /%s -> %d %s\n", revRegID, resp.StatusCode, answer)
	return nil
}

func run(ctx context.Context) error {
	payload := buildTailsFile()
	sum := sha256.Sum256(payload)
	tailsHash := base58.Encode(sum[:])

	stub, stubURL, err := startRegistryStub(tailsHash)
	if err != nil {
		return err
	}
	defer stub.Close()

	dataDir, err := os.MkdirTemp("", "tails-example-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dataDir)

	server, err := tails.NewServer(ctx, tails.Config{
		DataDir:        dataDir,
		LedgerType:     "centralized",
		CentralizedURL: stubURL,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: server.Handler()}
	go func() { _ = httpServer.Serve(listener) }()
	defer httpServer.Close()

	baseURL := "http://" + listener.Addr().String()

	// A genesis document is still part of the framing even though the
	// centralized backend does not dial a ledger pool.
	genesis := []byte(`{"txn":{"data":{"data":{"alias":"Node1","client_ip":"127.0.0.1","client_port":9702}}}}`)

	// First upload commits, second one conflicts.
	if err := upload(baseURL, genesis, payload); err != nil {
		return err
	}
	if err := upload(baseURL, genesis, payload); err != nil {
		return err
	}

	// Round-trip the committed file.
	resp, err := http.Get(baseURL + "/" + revRegID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	downloaded, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("GET /%s -> %d (%d bytes, matches upload: %t)\n",
		revRegID, resp.StatusCode, len(downloaded), bytes.Equal(downloaded, payload))

	// Discover the file by its credential definition id fragment.
	matchResp, err := http.Get(baseURL + "/match/CL_ACCUM")
	if err != nil {
		return err
	}
	defer matchResp.Body.Close()

	var matches []string
	if err := json.NewDecoder(matchResp.Body).Decode(&matches); err != nil {
		return err
	}
	fmt.Printf("GET /match/CL_ACCUM -> %v\n", matches)

	return nil
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("Example failed", "error", err)
		os.Exit(1)
	}
}
