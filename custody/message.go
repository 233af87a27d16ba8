package custody

import (
	"fmt"
	"time"
)

// ProtocolVersion is the version carried in every message header.
type ProtocolVersion struct {
	Major int32
	Minor int32
}

// CurrentVersion is the only protocol version spoken.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 0}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v ProtocolVersion) item() Item {
	return Structure(TagProtocolVersion,
		Integer(TagProtocolVersionMajor, v.Major),
		Integer(TagProtocolVersionMinor, v.Minor),
	)
}

func parseVersion(header Item) (ProtocolVersion, error) {
	pv, err := header.child(TagProtocolVersion, TypeStructure)
	if err != nil {
		return ProtocolVersion{}, err
	}
	var v ProtocolVersion
	if v.Major, err = pv.integer(TagProtocolVersionMajor); err != nil {
		return ProtocolVersion{}, err
	}
	if v.Minor, err = pv.integer(TagProtocolVersionMinor); err != nil {
		return ProtocolVersion{}, err
	}
	if v.Major != CurrentVersion.Major {
		return ProtocolVersion{}, fmt.Errorf("%w: unsupported protocol version %s", ErrMalformedMessage, v)
	}
	return v, nil
}

// Request is a single-item request message.
type Request struct {
	Version   ProtocolVersion
	Operation Operation
	// Payload is the request payload structure.
	Payload Item
}

// NewRequest wraps payload children into a request for op.
func NewRequest(op Operation, payload ...Item) Request {
	return Request{
		Version:   CurrentVersion,
		Operation: op,
		Payload:   Structure(TagRequestPayload, payload...),
	}
}

// Item returns the message as a TTLV tree.
func (r Request) Item() Item {
	payload := r.Payload
	payload.Tag = TagRequestPayload
	payload.Type = TypeStructure
	return Structure(TagRequestMessage,
		Structure(TagRequestHeader,
			r.Version.item(),
			Integer(TagBatchCount, 1),
		),
		Structure(TagBatchItem,
			Enum(TagOperation, r.Operation),
			payload,
		),
	)
}

// Marshal encodes the request.
func (r Request) Marshal() ([]byte, error) {
	return Marshal(r.Item())
}

// ParseRequest decodes a request message. Only single-item batches are
// accepted.
func ParseRequest(data []byte) (Request, error) {
	root, err := Unmarshal(data)
	if err != nil {
		return Request{}, err
	}
	if root.Tag != TagRequestMessage || root.Type != TypeStructure {
		return Request{}, fmt.Errorf("%w: not a request message", ErrMalformedMessage)
	}
	header, err := root.child(TagRequestHeader, TypeStructure)
	if err != nil {
		return Request{}, err
	}
	version, err := parseVersion(header)
	if err != nil {
		return Request{}, err
	}
	if err := checkBatchCount(root, header); err != nil {
		return Request{}, err
	}
	batch, err := root.child(TagBatchItem, TypeStructure)
	if err != nil {
		return Request{}, err
	}
	op, err := batch.enum(TagOperation)
	if err != nil {
		return Request{}, err
	}
	payload, ok, err := batch.optionalChild(TagRequestPayload, TypeStructure)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		payload = Structure(TagRequestPayload)
	}
	return Request{Version: version, Operation: Operation(op), Payload: payload}, nil
}

// Response is a single-item response message.
type Response struct {
	Version   ProtocolVersion
	TimeStamp time.Time
	Operation Operation
	Status    ResultStatus
	// Reason and Message are only set on failure.
	Reason  ResultReason
	Message string
	// Payload is the response payload structure; it has no children on
	// failure.
	Payload Item
}

// NewResponse builds a successful response for op.
func NewResponse(op Operation, at time.Time, payload ...Item) Response {
	return Response{
		Version:   CurrentVersion,
		TimeStamp: at,
		Operation: op,
		Status:    StatusSuccess,
		Payload:   Structure(TagResponsePayload, payload...),
	}
}

// NewFailure builds a failed response for op.
func NewFailure(op Operation, at time.Time, reason ResultReason, message string) Response {
	return Response{
		Version:   CurrentVersion,
		TimeStamp: at,
		Operation: op,
		Status:    StatusOperationFailed,
		Reason:    reason,
		Message:   message,
		Payload:   Structure(TagResponsePayload),
	}
}

// Item returns the message as a TTLV tree.
func (r Response) Item() Item {
	batch := Structure(TagBatchItem)
	if r.Operation != 0 {
		batch.Children = append(batch.Children, Enum(TagOperation, r.Operation))
	}
	batch.Children = append(batch.Children, Enum(TagResultStatus, r.Status))
	if r.Status != StatusSuccess {
		batch.Children = append(batch.Children, Enum(TagResultReason, r.Reason))
		if r.Message != "" {
			batch.Children = append(batch.Children, Text(TagResultMessage, r.Message))
		}
	} else {
		payload := r.Payload
		payload.Tag = TagResponsePayload
		payload.Type = TypeStructure
		batch.Children = append(batch.Children, payload)
	}
	return Structure(TagResponseMessage,
		Structure(TagResponseHeader,
			r.Version.item(),
			DateTime(TagTimeStamp, r.TimeStamp),
			Integer(TagBatchCount, 1),
		),
		batch,
	)
}

// Marshal encodes the response.
func (r Response) Marshal() ([]byte, error) {
	return Marshal(r.Item())
}

// ParseResponse decodes a response message.
func ParseResponse(data []byte) (Response, error) {
	root, err := Unmarshal(data)
	if err != nil {
		return Response{}, err
	}
	if root.Tag != TagResponseMessage || root.Type != TypeStructure {
		return Response{}, fmt.Errorf("%w: not a response message", ErrMalformedMessage)
	}
	header, err := root.child(TagResponseHeader, TypeStructure)
	if err != nil {
		return Response{}, err
	}
	version, err := parseVersion(header)
	if err != nil {
		return Response{}, err
	}
	ts, err := header.child(TagTimeStamp, TypeDateTime)
	if err != nil {
		return Response{}, err
	}
	if err := checkBatchCount(root, header); err != nil {
		return Response{}, err
	}
	batch, err := root.child(TagBatchItem, TypeStructure)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Version: version, TimeStamp: ts.Time}
	if op, ok, err := batch.optionalChild(TagOperation, TypeEnumeration); err != nil {
		return Response{}, err
	} else if ok {
		resp.Operation = Operation(op.Int)
	}
	status, err := batch.enum(TagResultStatus)
	if err != nil {
		return Response{}, err
	}
	resp.Status = ResultStatus(status)
	if resp.Status != StatusSuccess {
		reason, err := batch.enum(TagResultReason)
		if err != nil {
			return Response{}, err
		}
		resp.Reason = ResultReason(reason)
		if msg, ok, err := batch.optionalChild(TagResultMessage, TypeTextString); err != nil {
			return Response{}, err
		} else if ok {
			resp.Message = msg.Text
		}
	}
	payload, ok, err := batch.optionalChild(TagResponsePayload, TypeStructure)
	if err != nil {
		return Response{}, err
	}
	if !ok {
		payload = Structure(TagResponsePayload)
	}
	resp.Payload = payload
	return resp, nil
}

// Err converts a failed response into an *Error.
func (r Response) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	return &Error{Kind: KindRejected, Operation: r.Operation, Reason: r.Reason, Message: r.Message}
}

func checkBatchCount(root, header Item) error {
	count, err := header.integer(TagBatchCount)
	if err != nil {
		return err
	}
	items := 0
	for _, c := range root.Children {
		if c.Tag == TagBatchItem {
			items++
		}
	}
	if count != 1 || items != 1 {
		return fmt.Errorf("%w: batch of %d items (header says %d)", ErrMalformedMessage, items, count)
	}
	return nil
}
