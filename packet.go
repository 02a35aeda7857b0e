package cryptopool

import "fmt"

// PacketKind identifies a packet type on the wire.
type PacketKind uint8

const (
	KindEnv PacketKind = iota
	KindEvent
	KindLog
	KindError
	KindErrorResult
	KindCheck
	KindCheckResult
	KindSign
	KindSignResult
	KindCheckInput
	KindCheckInputResult
	KindSignInput
	KindSignInputResult
	KindECVerify
	KindECVerifyResult
	KindECSign
	KindECSignResult
	KindMine
	KindMineResult
	KindScrypt
	KindScryptResult

	numKinds
)

var kindNames = [numKinds]string{
	"ENV", "EVENT", "LOG", "ERROR", "ERROR_RESULT",
	"CHECK", "CHECK_RESULT", "SIGN", "SIGN_RESULT",
	"CHECK_INPUT", "CHECK_INPUT_RESULT", "SIGN_INPUT", "SIGN_INPUT_RESULT",
	"EC_VERIFY", "EC_VERIFY_RESULT", "EC_SIGN", "EC_SIGN_RESULT",
	"MINE", "MINE_RESULT", "SCRYPT", "SCRYPT_RESULT",
}

func (k PacketKind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Valid reports whether k is part of the protocol.
func (k PacketKind) Valid() bool {
	return k < numKinds
}

// IsJob reports whether k is a request the child executes.
func (k PacketKind) IsJob() bool {
	return k >= KindCheck && k < numKinds && (k-KindCheck)%2 == 0
}

// ResultKind returns the result kind answering job kind k, or false if k is not a job.
func (k PacketKind) ResultKind() (PacketKind, bool) {
	if !k.IsJob() {
		return 0, false
	}
	return k + 1, true
}

const (
	// HeaderSize is the hashed block header length carried by MINE packets.
	HeaderSize = 80
	// TargetSize is the length of a MINE target.
	TargetSize = 32
)

// Packet is one of the protocol's packet types. The set is closed: only types in this
// package implement it.
type Packet interface {
	Kind() PacketKind
	encode(e *encoder)
	decode(d *decoder)
}

// EncodePacket serializes the payload of p.
func EncodePacket(p Packet) ([]byte, error) {
	e := &encoder{kind: p.Kind()}
	p.encode(e)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// DecodePacket parses a payload of the given kind.
func DecodePacket(kind PacketKind, b []byte) (Packet, error) {
	p := newPacket(kind)
	if p == nil {
		return nil, &UnknownPacketKindError{Kind: kind}
	}
	d := &decoder{kind: kind, buf: b}
	p.decode(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

func newPacket(kind PacketKind) Packet {
	switch kind {
	case KindEnv:
		return &EnvPacket{}
	case KindEvent:
		return &EventPacket{}
	case KindLog:
		return &LogPacket{}
	case KindError:
		return &ErrorPacket{}
	case KindErrorResult:
		return &ErrorResultPacket{}
	case KindCheck:
		return &CheckPacket{}
	case KindCheckResult:
		return &CheckResultPacket{}
	case KindSign:
		return &SignPacket{}
	case KindSignResult:
		return &SignResultPacket{}
	case KindCheckInput:
		return &CheckInputPacket{}
	case KindCheckInputResult:
		return &CheckInputResultPacket{}
	case KindSignInput:
		return &SignInputPacket{}
	case KindSignInputResult:
		return &SignInputResultPacket{}
	case KindECVerify:
		return &ECVerifyPacket{}
	case KindECVerifyResult:
		return &ECVerifyResultPacket{}
	case KindECSign:
		return &ECSignPacket{}
	case KindECSignResult:
		return &ECSignResultPacket{}
	case KindMine:
		return &MinePacket{}
	case KindMineResult:
		return &MineResultPacket{}
	case KindScrypt:
		return &ScryptPacket{}
	case KindScryptResult:
		return &ScryptResultPacket{}
	}
	return nil
}

// Control packets

// EnvPacket is the first packet a child receives.
type EnvPacket struct {
	Network string
	IsTTY   bool
	Vars    map[string]string
}

func (p *EnvPacket) Kind() PacketKind { return KindEnv }

func (p *EnvPacket) encode(e *encoder) {
	e.varString(p.Network)
	e.bool(p.IsTTY)
	e.packed(p.Vars)
}

func (p *EnvPacket) decode(d *decoder) {
	p.Network = d.varString()
	p.IsTTY = d.bool()
	d.packed(&p.Vars)
}

// EventPacket carries an Event in either direction.
type EventPacket struct {
	Event Event
}

func (p *EventPacket) Kind() PacketKind { return KindEvent }

func (p *EventPacket) encode(e *encoder) {
	e.varString(p.Event.Name)
	e.packed(p.Event.Args)
}

func (p *EventPacket) decode(d *decoder) {
	p.Event.Name = d.varString()
	d.packed(&p.Event.Args)
}

// LogPacket carries diagnostic text from the child.
type LogPacket struct {
	Text string
}

func (p *LogPacket) Kind() PacketKind { return KindLog }

func (p *LogPacket) encode(e *encoder) { e.varString(p.Text) }

func (p *LogPacket) decode(d *decoder) { p.Text = d.varString() }

// ErrorPacket reports a child failure not tied to any job.
type ErrorPacket struct {
	Err *PacketError
}

func (p *ErrorPacket) Kind() PacketKind { return KindError }

func (p *ErrorPacket) encode(e *encoder) { e.packetError(orEmpty(p.Err)) }

func (p *ErrorPacket) decode(d *decoder) { p.Err = d.packetError() }

// ErrorResultPacket answers a job whose body failed.
type ErrorResultPacket struct {
	Err *PacketError
}

func (p *ErrorResultPacket) Kind() PacketKind { return KindErrorResult }

func (p *ErrorResultPacket) encode(e *encoder) { e.packetError(orEmpty(p.Err)) }

func (p *ErrorResultPacket) decode(d *decoder) { p.Err = d.packetError() }

func orEmpty(pe *PacketError) *PacketError {
	if pe == nil {
		return &PacketError{}
	}
	return pe
}

// Transaction jobs. Transactions, coin views, coins and key rings travel as opaque
// serialized blobs; only the JobRunner interprets them.

// CheckPacket asks the child to verify every input script of a transaction.
type CheckPacket struct {
	Tx    []byte
	View  []byte
	Flags uint32
}

func (p *CheckPacket) Kind() PacketKind { return KindCheck }

func (p *CheckPacket) encode(e *encoder) {
	e.varBytes(p.Tx)
	e.varBytes(p.View)
	e.u32(p.Flags)
}

func (p *CheckPacket) decode(d *decoder) {
	p.Tx = d.varBytes()
	p.View = d.varBytes()
	p.Flags = d.u32()
}

// CheckResultPacket carries a verification failure, or nil when the transaction is valid.
type CheckResultPacket struct {
	Err *PacketError
}

func (p *CheckResultPacket) Kind() PacketKind { return KindCheckResult }

func (p *CheckResultPacket) encode(e *encoder) { encodeOptionalError(e, p.Err) }

func (p *CheckResultPacket) decode(d *decoder) { p.Err = decodeOptionalError(d) }

func encodeOptionalError(e *encoder, pe *PacketError) {
	e.bool(pe != nil)
	if pe != nil {
		e.packetError(pe)
	}
}

func decodeOptionalError(d *decoder) *PacketError {
	if !d.bool() {
		return nil
	}
	return d.packetError()
}

// SignPacket asks the child to sign every input it has a key ring for.
type SignPacket struct {
	Tx      []byte
	Rings   [][]byte
	SigHash uint8
}

func (p *SignPacket) Kind() PacketKind { return KindSign }

func (p *SignPacket) encode(e *encoder) {
	e.varBytes(p.Tx)
	e.list(p.Rings)
	e.u8(p.SigHash)
}

func (p *SignPacket) decode(d *decoder) {
	p.Tx = d.varBytes()
	p.Rings = d.list()
	p.SigHash = d.u8()
}

// SignResultPacket returns the number of signed inputs and the per-input witness and script.
type SignResultPacket struct {
	Total     uint32
	Witnesses [][]byte
	Scripts   [][]byte
}

func (p *SignResultPacket) Kind() PacketKind { return KindSignResult }

func (p *SignResultPacket) encode(e *encoder) {
	e.u32(p.Total)
	e.list(p.Witnesses)
	e.list(p.Scripts)
}

func (p *SignResultPacket) decode(d *decoder) {
	p.Total = d.u32()
	p.Witnesses = d.list()
	p.Scripts = d.list()
}

// CheckInputPacket asks the child to verify a single input.
type CheckInputPacket struct {
	Tx    []byte
	Index uint32
	Coin  []byte
	Flags uint32
}

func (p *CheckInputPacket) Kind() PacketKind { return KindCheckInput }

func (p *CheckInputPacket) encode(e *encoder) {
	e.varBytes(p.Tx)
	e.u32(p.Index)
	e.varBytes(p.Coin)
	e.u32(p.Flags)
}

func (p *CheckInputPacket) decode(d *decoder) {
	p.Tx = d.varBytes()
	p.Index = d.u32()
	p.Coin = d.varBytes()
	p.Flags = d.u32()
}

// CheckInputResultPacket mirrors CheckResultPacket for one input.
type CheckInputResultPacket struct {
	Err *PacketError
}

func (p *CheckInputResultPacket) Kind() PacketKind { return KindCheckInputResult }

func (p *CheckInputResultPacket) encode(e *encoder) { encodeOptionalError(e, p.Err) }

func (p *CheckInputResultPacket) decode(d *decoder) { p.Err = decodeOptionalError(d) }

// SignInputPacket asks the child to sign a single input with one key ring.
type SignInputPacket struct {
	Tx      []byte
	Index   uint32
	Coin    []byte
	Ring    []byte
	SigHash uint8
}

func (p *SignInputPacket) Kind() PacketKind { return KindSignInput }

func (p *SignInputPacket) encode(e *encoder) {
	e.varBytes(p.Tx)
	e.u32(p.Index)
	e.varBytes(p.Coin)
	e.varBytes(p.Ring)
	e.u8(p.SigHash)
}

func (p *SignInputPacket) decode(d *decoder) {
	p.Tx = d.varBytes()
	p.Index = d.u32()
	p.Coin = d.varBytes()
	p.Ring = d.varBytes()
	p.SigHash = d.u8()
}

// SignInputResultPacket reports whether the input was signed and its new witness and script.
type SignInputResultPacket struct {
	Value   bool
	Witness []byte
	Script  []byte
}

func (p *SignInputResultPacket) Kind() PacketKind { return KindSignInputResult }

func (p *SignInputResultPacket) encode(e *encoder) {
	e.bool(p.Value)
	e.varBytes(p.Witness)
	e.varBytes(p.Script)
}

func (p *SignInputResultPacket) decode(d *decoder) {
	p.Value = d.bool()
	p.Witness = d.varBytes()
	p.Script = d.varBytes()
}

// ECDSA jobs

type ECVerifyPacket struct {
	Msg []byte
	Sig []byte
	Key []byte
}

func (p *ECVerifyPacket) Kind() PacketKind { return KindECVerify }

func (p *ECVerifyPacket) encode(e *encoder) {
	e.varBytes(p.Msg)
	e.varBytes(p.Sig)
	e.varBytes(p.Key)
}

func (p *ECVerifyPacket) decode(d *decoder) {
	p.Msg = d.varBytes()
	p.Sig = d.varBytes()
	p.Key = d.varBytes()
}

type ECVerifyResultPacket struct {
	Value bool
}

func (p *ECVerifyResultPacket) Kind() PacketKind { return KindECVerifyResult }

func (p *ECVerifyResultPacket) encode(e *encoder) { e.bool(p.Value) }

func (p *ECVerifyResultPacket) decode(d *decoder) { p.Value = d.bool() }

type ECSignPacket struct {
	Msg []byte
	Key []byte
}

func (p *ECSignPacket) Kind() PacketKind { return KindECSign }

func (p *ECSignPacket) encode(e *encoder) {
	e.varBytes(p.Msg)
	e.varBytes(p.Key)
}

func (p *ECSignPacket) decode(d *decoder) {
	p.Msg = d.varBytes()
	p.Key = d.varBytes()
}

type ECSignResultPacket struct {
	Sig []byte
}

func (p *ECSignResultPacket) Kind() PacketKind { return KindECSignResult }

func (p *ECSignResultPacket) encode(e *encoder) { e.varBytes(p.Sig) }

func (p *ECSignResultPacket) decode(d *decoder) { p.Sig = d.varBytes() }

// Proof of work

// MinePacket searches nonces in [Min, Max) for a header whose hash is at or below Target.
// Target is a 256-bit little-endian number.
type MinePacket struct {
	Header []byte
	Target []byte
	Min    uint32
	Max    uint32
}

func (p *MinePacket) Kind() PacketKind { return KindMine }

func (p *MinePacket) encode(e *encoder) {
	e.fixed(p.Header, HeaderSize, "header")
	e.fixed(p.Target, TargetSize, "target")
	e.u32(p.Min)
	e.u32(p.Max)
}

func (p *MinePacket) decode(d *decoder) {
	p.Header = d.fixed(HeaderSize)
	p.Target = d.fixed(TargetSize)
	p.Min = d.u32()
	p.Max = d.u32()
}

type MineResultPacket struct {
	Found bool
	Nonce uint32
}

func (p *MineResultPacket) Kind() PacketKind { return KindMineResult }

func (p *MineResultPacket) encode(e *encoder) {
	e.bool(p.Found)
	e.u32(p.Nonce)
}

func (p *MineResultPacket) decode(d *decoder) {
	p.Found = d.bool()
	p.Nonce = d.u32()
}

// Key stretching

type ScryptPacket struct {
	Passwd []byte
	Salt   []byte
	N      uint64
	R      uint32
	P      uint32
	KeyLen uint32
}

func (p *ScryptPacket) Kind() PacketKind { return KindScrypt }

func (p *ScryptPacket) encode(e *encoder) {
	e.varBytes(p.Passwd)
	e.varBytes(p.Salt)
	e.u64(p.N)
	e.u32(p.R)
	e.u32(p.P)
	e.u32(p.KeyLen)
}

func (p *ScryptPacket) decode(d *decoder) {
	p.Passwd = d.varBytes()
	p.Salt = d.varBytes()
	p.N = d.u64()
	p.R = d.u32()
	p.P = d.u32()
	p.KeyLen = d.u32()
}

type ScryptResultPacket struct {
	Key []byte
}

func (p *ScryptResultPacket) Kind() PacketKind { return KindScryptResult }

func (p *ScryptResultPacket) encode(e *encoder) { e.varBytes(p.Key) }

func (p *ScryptResultPacket) decode(d *decoder) { p.Key = d.varBytes() }
