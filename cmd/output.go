package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/spotter/internal/store"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/andresmejia3/spotter/internal/utils"
	"github.com/vmihailenco/msgpack/v5"
)

// Output formats for detection listings.
const (
	formatTable   = "table"
	formatJSON    = "json"
	formatMsgpack = "msgpack"
)

// parseVideoID validates a positional video id.
func parseVideoID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid video id %q", arg)
	}
	return id, nil
}

// fmtTime helper for HH:MM:SS
func fmtTime(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func printVideos(w io.Writer, videos []types.Video) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tUPLOADED")
	fmt.Fprintln(tw, "--\t--------\t--------")
	for _, v := range videos {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", v.ID, v.Filename, utils.FormatTime(v.CreatedAt.Time))
	}
	tw.Flush()
}

func printDetections(w io.Writer, dets []types.Detection) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tCONFIDENCE\tPOSITION\tDETECTED")
	fmt.Fprintln(tw, "-----\t----------\t--------\t--------")
	for _, d := range dets {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.FrameNumber, utils.FormatConfidence(d.Confidence),
			utils.FormatBox(d.X, d.Y, d.Width, d.Height), utils.FormatTime(d.Timestamp.Time))
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []store.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "VIDEO\tFILENAME\tDETECTIONS\tARCHIVED")
	fmt.Fprintln(tw, "-----\t--------\t----------\t--------")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", r.VideoID, r.Filename, r.DetectionCount, utils.FormatTime(r.ArchivedAt))
	}
	tw.Flush()
}

// writeDetections renders dets in the requested format.
func writeDetections(w io.Writer, dets []types.Detection, format string) error {
	if dets == nil {
		dets = []types.Detection{}
	}
	switch strings.ToLower(format) {
	case formatTable, "":
		printDetections(w, dets)
		return nil
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(dets)
	case formatMsgpack:
		return msgpack.NewEncoder(w).Encode(dets)
	default:
		return fmt.Errorf("unknown format %q (want %s, %s or %s)", format, formatTable, formatJSON, formatMsgpack)
	}
}
