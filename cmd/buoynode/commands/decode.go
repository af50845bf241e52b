package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/acousea/buoynode/pkg/frame"
	"github.com/acousea/buoynode/pkg/packet"
)

func init() {
	rootCmd.AddCommand(decodeCmd)
}

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a captured frame, packet or legacy report",
	Long: `Decode a captured message for field debugging.

The input is unwrapped if it is a stream frame, then decoded as a
communication packet, falling back to the fixed layout legacy report.`,
	Args: cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		if err := decode(os.Stdout, args[0]); err != nil {
			log.Fatal(err)
		}
	},
}

func decode(w io.Writer, in string) error {
	raw, err := hex.DecodeString(strings.Join(strings.Fields(in), ""))
	if err != nil {
		return errors.Wrap(err, "invalid hex")
	}

	if v, ok := frame.Unwrap(raw); ok {
		fmt.Fprintf(w, "frame: ts=%d (%s) len=%d\n", v.Timestamp,
			time.Unix(int64(v.Timestamp), 0).UTC().Format(time.RFC3339), len(v.Payload))
		raw = v.Payload
	}

	var p packet.Packet
	perr := packet.ProtoCodec{}.Decode(raw, &p)
	if perr == nil {
		fmt.Fprintf(w, "packet: %s\n", &p)
		fmt.Fprintf(w, "body: %+v\n", p.Body)
		return nil
	}

	var r packet.SimpleReport
	if err := r.UnmarshalBinary(raw); err == nil {
		fmt.Fprintf(w, "legacy report: epoch=%d lat=%.6f lon=%.6f battery=%d%% status=%d mode=%d\n",
			r.Epoch, r.Latitude, r.Longitude, r.BatteryPercentage,
			r.BatteryStatusAndMode>>4, r.BatteryStatusAndMode&0x0F)
		return nil
	}
	return errors.Wrap(perr, "not a packet or legacy report")
}
