// Package outcome defines the result codes carried on every response and
// attribute update, and the engine action each one selects.
package outcome

// Outcome is the result of a protocol exchange.
type Outcome uint8

// Plain outcomes.
const (
	Undefined    Outcome = 0
	Error        Outcome = 1
	Undelivered  Outcome = 2
	NotProcessed Outcome = 3
	Processed    Outcome = 4
)

// Request outcomes.
const (
	RequestOK       Outcome = 10
	RequestInvalid  Outcome = 11
	RequestError    Outcome = 12
	RequestBusy     Outcome = 13
	RequestCanceled Outcome = 14
)

// Data outcomes.
const (
	DataOK      Outcome = 20
	DataInvalid Outcome = 21
)

// Service outcomes.
const (
	ServiceOK          Outcome = 30
	ServiceUnavailable Outcome = 31
	ServiceInvalid     Outcome = 32
	ServiceRejected    Outcome = 33
)

// Category groups outcomes.
type Category uint8

const (
	CategoryPlain Category = iota
	CategoryRequest
	CategoryData
	CategoryService
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPlain:
		return "PLAIN"
	case CategoryRequest:
		return "REQUEST"
	case CategoryData:
		return "DATA"
	case CategoryService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// Action is what an engine does with an incoming event.
type Action uint8

const (
	// ActionIgnore leaves the cache untouched. Listeners are still notified.
	ActionIgnore Action = iota

	// ActionDecode decodes the payload into the cache and sets validity OK.
	ActionDecode

	// ActionInvalidate skips decoding and sets validity Invalid.
	ActionInvalidate

	// ActionFailRequest leaves the cache untouched and fails the original request.
	ActionFailRequest

	// ActionUndelivered handles a transport failure. A failed request is
	// resolved like ActionFailRequest; anything else only notifies listeners.
	ActionUndelivered
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "IGNORE"
	case ActionDecode:
		return "DECODE"
	case ActionInvalidate:
		return "INVALIDATE"
	case ActionFailRequest:
		return "FAIL_REQUEST"
	case ActionUndelivered:
		return "UNDELIVERED"
	default:
		return "UNKNOWN"
	}
}

// Category returns the category of the outcome.
func (o Outcome) Category() Category {
	switch {
	case o >= ServiceOK && o <= ServiceRejected:
		return CategoryService
	case o == DataOK || o == DataInvalid:
		return CategoryData
	case o >= RequestOK && o <= RequestCanceled:
		return CategoryRequest
	default:
		return CategoryPlain
	}
}

// Action maps the outcome to the engine action it requires.
func (o Outcome) Action() Action {
	switch o {
	case RequestOK, DataOK:
		return ActionDecode
	case RequestInvalid, DataInvalid:
		return ActionInvalidate
	case RequestBusy, RequestError, RequestCanceled, Error:
		return ActionFailRequest
	case Undelivered:
		return ActionUndelivered
	default:
		return ActionIgnore
	}
}

// IsFailure reports whether the outcome ends a call without data.
func (o Outcome) IsFailure() bool {
	a := o.Action()
	return a == ActionFailRequest || a == ActionUndelivered
}

// IsValidData reports whether the outcome carries a decodable payload.
func (o Outcome) IsValidData() bool {
	return o == RequestOK || o == DataOK
}

// IsValid reports whether o is a defined outcome.
func (o Outcome) IsValid() bool {
	switch {
	case o <= Processed:
		return true
	case o >= RequestOK && o <= RequestCanceled:
		return true
	case o == DataOK || o == DataInvalid:
		return true
	case o >= ServiceOK && o <= ServiceRejected:
		return true
	}
	return false
}

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Undefined:
		return "UNDEFINED"
	case Error:
		return "ERROR"
	case Undelivered:
		return "MESSAGE_UNDELIVERED"
	case NotProcessed:
		return "NOT_PROCESSED"
	case Processed:
		return "PROCESSED"
	case RequestOK:
		return "REQUEST_OK"
	case RequestInvalid:
		return "REQUEST_INVALID"
	case RequestError:
		return "REQUEST_ERROR"
	case RequestBusy:
		return "REQUEST_BUSY"
	case RequestCanceled:
		return "REQUEST_CANCELED"
	case DataOK:
		return "DATA_OK"
	case DataInvalid:
		return "DATA_INVALID"
	case ServiceOK:
		return "SERVICE_OK"
	case ServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case ServiceInvalid:
		return "SERVICE_INVALID"
	case ServiceRejected:
		return "SERVICE_REJECTED"
	default:
		return "UNKNOWN"
	}
}
