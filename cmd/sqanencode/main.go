package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/dougsko/sqandr/pkg/dsp"
	"github.com/dougsko/sqandr/pkg/hardware"
	"github.com/dougsko/sqandr/pkg/protocol"
)

func main() {
	var (
		payloadHex  = flag.StringP("hex", "x", "", "Payload bytes as hex")
		text        = flag.StringP("text", "t", "", "Payload as text (ignored when --hex is set)")
		headerBits  = flag.Int("header", 12, "Header width in bits (8, 9, 11 or 12)")
		level       = flag.Int("level", 30000, "Sample magnitude for each bit")
		repeat      = flag.Int("repeat", 1, "Times the payload is sent back to back")
		lean        = flag.Bool("lean", false, "Leave out per-byte headers")
		trailing    = flag.Int("silence", 0, "Silent samples appended after the burst")
		output      = flag.StringP("out", "o", "", "Output I/Q file (interleaved little-endian int16)")
		showSamples = flag.Bool("samples", false, "Print the bit sequence of the burst")
	)
	flag.Parse()

	var payload []byte
	switch {
	case *payloadHex != "":
		var err error
		payload, err = hex.DecodeString(strings.TrimSpace(*payloadHex))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid hex payload: %v\n", err)
			os.Exit(1)
		}
	case *text != "":
		payload = []byte(*text)
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s --hex 6699414243 [options]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	header, err := protocol.NewHeader(*headerBits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Header error: %v\n", err)
		os.Exit(1)
	}
	if *level <= 0 || *level > 32767 {
		fmt.Fprintf(os.Stderr, "Level must be between 1 and 32767\n")
		os.Exit(1)
	}

	encoder, err := dsp.NewEncoder(dsp.EncoderConfig{
		Header: header,
		Level:  int16(*level),
		Repeat: *repeat,
		Lean:   *lean,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encoder error: %v\n", err)
		os.Exit(1)
	}

	burst := encoder.SamplesFor(len(payload))
	if *trailing < 0 {
		*trailing = 0
	}
	buf := make([]dsp.Sample, burst+*trailing)
	result := encoder.Encode(payload, buf)

	fmt.Printf("Encoding Payload\n")
	fmt.Printf("================\n")
	fmt.Printf("Payload:  %s (%d bytes)\n", hex.EncodeToString(payload), len(payload))
	if *lean {
		fmt.Printf("Header:   none (lean)\n")
	} else {
		fmt.Printf("Header:   %s\n", header)
	}
	fmt.Printf("Repeat:   %d\n", *repeat)
	fmt.Printf("Level:    %d\n", *level)
	fmt.Printf("\n")

	fmt.Printf("✓ Encoded %d bytes into %d samples (%d per byte, %d lead-in)\n",
		result.BytesSent, result.Samples, encoder.UnitSamples(), dsp.LeadInSamples)
	if result.Truncated {
		fmt.Printf("! Payload truncated\n")
	}

	if *showSamples {
		var sb strings.Builder
		for i, s := range buf[:result.Samples] {
			if i > 0 && i%64 == 0 {
				sb.WriteByte('\n')
			}
			switch {
			case s.I > 0:
				sb.WriteByte('1')
			case s.I < 0:
				sb.WriteByte('0')
			default:
				sb.WriteByte('.')
			}
		}
		fmt.Printf("\nBit Sequence:\n=============\n%s\n", sb.String())
	}

	if *output != "" {
		raw := make([]byte, len(buf)*hardware.BytesPerSample)
		hardware.EncodeSamples(raw, buf)
		if err := os.WriteFile(*output, raw, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write output file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Wrote %d samples to %s\n", len(buf), *output)
		fmt.Printf("  Replay with: sqandr --transport file --rxFile %s\n", *output)
	}
}
