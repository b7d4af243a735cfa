package main

// This tool is an Open Pixel Control test client.  It streams a slowly
// rotating two color gradient at the server, skipping sends whenever the
// rendered frame has not changed since the last one, and can optionally push
// a color correction curve over the system exclusive channel before the
// stream starts.

import (
	"bytes"
	"flag"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	logxi "github.com/mgutz/logxi/v1"

	"github.com/cnf/structhash"

	"github.com/kellydunn/go-opc"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/karlmutch/fcserve"
	"github.com/karlmutch/fcserve/version"

	"github.com/karlmutch/envflag" // Forked copy of https://github.com/GoBike/envflag
)

var (
	logger = logxi.New("simulator")

	server  = flag.String("server", "127.0.0.1:7890", "OPC server receiving the test frames")
	channel = flag.Int("channel", 0, "OPC channel the frames are addressed to")
	pixels  = flag.Int("pixels", 64, "number of pixels in the test pattern")
	fps     = flag.Int("fps", 30, "frames per second")
	freeze  = flag.Bool("freeze", false, "hold the pattern still instead of rotating it")
	gamma   = flag.Float64("gamma", 0, "when nonzero, push a color correction curve with this gamma before streaming")
	verbose = flag.Bool("v", false, "When enabled will print internal logging for this tool")
)

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[options]       test patterns → OPC (simulator)      ", version.GitHash, "    ", version.BuildTime)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
}

func init() {
	flag.Usage = usage
}

type pattern struct {
	Phase  int
	Pixels int
}

func main() {

	if !flag.Parsed() {
		envflag.Parse()
	}

	if *verbose {
		logger.SetLevel(logxi.LevelDebug)
	}

	if *gamma != 0 {
		if errGo := sendColorCorrection(*server, *gamma); errGo != nil {
			logger.Error(errGo.Error())
			os.Exit(-1)
		}
		logger.Info(fmt.Sprintf("pushed color correction with gamma %g", *gamma))
	}

	oc := opc.NewClient()
	if errGo := oc.Connect("tcp", *server); errGo != nil {
		logger.Error(errGo.Error(), "server", *server)
		os.Exit(-1)
	}

	// Gradient endpoints for the sweep
	c1, _ := colorful.Hex("#0A3306")
	c2, _ := colorful.Hex("#36FF1F")

	last := []byte{}
	pat := pattern{Pixels: *pixels}

	tick := time.NewTicker(time.Second / time.Duration(*fps))
	defer tick.Stop()

	for range tick.C {
		// Resend only when the rendered pattern changed
		hash := structhash.Md5(pat, 1)
		if bytes.Compare(last, hash) != 0 {
			last = hash
			if errGo := sendFrame(oc, c1, c2, pat); errGo != nil {
				logger.Warn(errGo.Error(), "server", *server)
			}
		}

		if !*freeze {
			pat.Phase = (pat.Phase + 1) % pat.Pixels
		}
	}
}

func sendFrame(oc *opc.Client, c1, c2 colorful.Color, pat pattern) (errGo error) {
	m := opc.NewMessage(uint8(*channel))
	m.SetLength(uint16(pat.Pixels * 3))

	for i := 0; i < pat.Pixels; i++ {
		t := float64((i+pat.Phase)%pat.Pixels) / float64(pat.Pixels)
		r, g, b := c1.BlendLab(c2, t).RGB255()
		m.SetPixelColor(i, r, g, b)
	}

	return oc.Send(m)
}

// sendColorCorrection pushes a gamma curve over the system exclusive channel
// using a short lived connection of its own
func sendColorCorrection(addr string, gamma float64) (errGo error) {
	payload := []byte(fmt.Sprintf(`{"gamma": %g, "whitepoint": [1, 1, 1]}`, gamma))

	data := make([]byte, 0, 4+len(payload))
	data = append(data, 0x00, 0x01, 0x00, 0x01) // set global color correction
	data = append(data, payload...)

	msg := fcserve.Message{Command: fcserve.CmdSystemExclusive, Data: data}

	conn, errGo := net.Dial("tcp", addr)
	if errGo != nil {
		return errGo
	}
	defer conn.Close()

	_, errGo = conn.Write(msg.Bytes())
	return errGo
}
