package nfc

import (
	"log"
	"os"
)

// ProbeResult holds what the fixed probe sequence learned about a card.
// The two steps are independent; either, both or neither may succeed.
type ProbeResult struct {
	Protocol Protocol
	UID      []byte
	UIDOK    bool
	IDm      []byte
	PMm      []byte
	FelicaOK bool

	// ConnectErr is set when no card session could be opened.
	ConnectErr error
}

// Succeeded reports whether any probe step yielded data.
func (r ProbeResult) Succeeded() bool {
	return r.UIDOK || r.FelicaOK
}

// Prober runs the UID read and FeliCa polling commands against a card.
type Prober struct {
	Logger *log.Logger
}

// NewProber creates a Prober. A nil logger logs to stderr.
func NewProber(logger *log.Logger) *Prober {
	if logger == nil {
		logger = log.New(os.Stderr, "[prober] ", log.LstdFlags)
	}
	return &Prober{Logger: logger}
}

// Probe opens a shared session on r, runs both probe steps and releases the
// session with LeaveCard. The release happens exactly once whenever the
// connect succeeded, regardless of step failures. Probe blocks on card I/O.
func (p *Prober) Probe(r Reader) ProbeResult {
	var result ProbeResult

	proto, err := r.Connect(ShareShared)
	if err != nil {
		p.Logger.Printf("Card connect error on %s: %v", r.Name(), err)
		result.ConnectErr = NewConnectError(r.Name(), err)
		return result
	}
	result.Protocol = proto
	p.Logger.Printf("Card session on %s, protocol %s", r.Name(), proto)

	defer func() {
		if err := r.Disconnect(LeaveCard); err != nil {
			p.Logger.Printf("Card disconnect error on %s: %v", r.Name(), err)
			return
		}
		p.Logger.Printf("Card read complete, session released on %s", r.Name())
	}()

	p.readUID(r, proto, &result)
	p.pollFelica(r, proto, &result)
	return result
}

func (p *Prober) readUID(r Reader, proto Protocol, result *ProbeResult) {
	resp, err := r.Transmit(GetUIDAPDU(), MaxResponseLen, proto)
	if err != nil {
		p.Logger.Printf("UID read failed: %v", err)
		return
	}
	p.Logger.Printf("UID response: %s", FormatHex(resp))

	uid, ok := ParseUIDResponse(resp)
	if !ok {
		return
	}
	result.UID = uid
	result.UIDOK = true
	p.Logger.Printf("Card UID: %s", BytesToHex(uid))
}

func (p *Prober) pollFelica(r Reader, proto Protocol, result *ProbeResult) {
	resp, err := r.Transmit(FelicaPollingAPDU(), MaxResponseLen, proto)
	if err != nil {
		p.Logger.Printf("FeliCa polling failed: %v", err)
		return
	}
	p.Logger.Printf("FeliCa polling response: %s", FormatHex(resp))

	idm, pmm, ok := ParseFelicaResponse(resp)
	if !ok {
		return
	}
	result.IDm = idm
	result.PMm = pmm
	result.FelicaOK = true
	p.Logger.Printf("Card IDm: %s PMm: %s", BytesToHex(idm), BytesToHex(pmm))
}
