// Command audioclient streams a WAV file to the gateway over the
// generic WebSocket protocol, simulating a real-time edge client.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Stream audio in chunks to simulate real-time streaming.
// At 8kHz 16-bit mono = 16000 bytes/second; 20ms chunks = 320 bytes.
const chunkIntervalMs = 20

type control struct {
	Type       string `json:"type"`
	CallID     string `json:"callId,omitempty"`
	TenantID   string `json:"tenantId,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

func main() {
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "Path to WAV file (8kHz 16-bit mono)")
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	token := flag.String("token", "dev-token", "Bearer token")
	callID := flag.String("call", "test-call-"+time.Now().Format("150405"), "Call ID")
	tenantID := flag.String("tenant", "tenant-demo", "Tenant ID")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}

	// 20ms of 16-bit mono at the file's rate.
	chunkSize := int(sampleRate) * 2 * chunkIntervalMs / 1000

	h := http.Header{}
	h.Set("Authorization", "Bearer "+*token)
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, h)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s", *serverURL)

	start, _ := json.Marshal(control{
		Type:       "start",
		CallID:     *callID,
		TenantID:   *tenantID,
		SampleRate: int(sampleRate),
		Encoding:   "pcm16",
	})
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		log.Fatalf("Failed to send start: %v", err)
	}

	log.Printf("Streaming audio: callId=%s tenantId=%s", *callID, *tenantID)

	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(audioChunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)

		if err := conn.WriteMessage(websocket.BinaryMessage, audioChunk[:n]); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}

		if chunkNum%50 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		// Simulate real-time streaming
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}

	elapsed := time.Since(startTime)
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, elapsed)

	stop, _ := json.Marshal(control{Type: "stop"})
	if err := conn.WriteMessage(websocket.TextMessage, stop); err != nil {
		log.Fatalf("Failed to send stop: %v", err)
	}

	// The gateway closes the socket after acknowledging the stop.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, _ = conn.ReadMessage()
	log.Printf("Stream completed: callId=%s", *callID)
}
