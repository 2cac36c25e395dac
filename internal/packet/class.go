package packet

// Class is the classification tag of a descriptor.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassSignaling
	ClassRTP
	ClassRTCP
	ClassDTLS
	ClassAppMedia
	ClassOther
)

var classNames = [...]string{"unknown", "signaling", "rtp", "rtcp", "dtls", "app_media", "other"}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "invalid"
}
