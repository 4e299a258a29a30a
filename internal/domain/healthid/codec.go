package healthid

import (
	"fmt"
	"strconv"
)

const (
	// Min10DigitNumber is the smallest body value with ten decimal digits.
	Min10DigitNumber int64 = 1_000_000_000
	// Max10DigitNumber is the largest body value with ten decimal digits.
	Max10DigitNumber int64 = 9_999_999_999

	// BodyLength and HIDLength describe the canonical serialized form.
	BodyLength = 10
	HIDLength  = BodyLength + 1
)

// Decoded is the result of splitting a HID string into body and checksum.
type Decoded struct {
	Body     int64
	Checksum int
	Valid    bool
}

// Checksum reduces the decimal digits of body by repeated digit sums until a
// single digit remains.
func Checksum(body int64) int {
	if body < 0 {
		body = -body
	}
	for body > 9 {
		var sum int64
		for n := body; n > 0; n /= 10 {
			sum += n % 10
		}
		body = sum
	}
	return int(body)
}

// Encode renders body followed by its checksum digit.
func Encode(body int64) string {
	return strconv.FormatInt(body, 10) + strconv.Itoa(Checksum(body))
}

// Is10DigitNumber reports whether n has exactly ten decimal digits.
func Is10DigitNumber(n int64) bool {
	return n >= Min10DigitNumber && n <= Max10DigitNumber
}

// Decode splits hid into its body and trailing checksum digit and recomputes
// the checksum. Wrong length or non-digit input is an ErrInvalidHealthID; a
// checksum mismatch is reported through Decoded.Valid.
func Decode(hid string) (Decoded, error) {
	if len(hid) != HIDLength {
		return Decoded{}, fmt.Errorf("%w: %q must be %d digits", ErrInvalidHealthID, hid, HIDLength)
	}
	for i := 0; i < len(hid); i++ {
		if hid[i] < '0' || hid[i] > '9' {
			return Decoded{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidHealthID, hid)
		}
	}

	body, err := strconv.ParseInt(hid[:BodyLength], 10, 64)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %q: %v", ErrInvalidHealthID, hid, err)
	}
	digit := int(hid[BodyLength] - '0')

	return Decoded{
		Body:     body,
		Checksum: digit,
		Valid:    Is10DigitNumber(body) && Checksum(body) == digit,
	}, nil
}

// Validate returns nil only for a well-formed HID whose checksum matches.
func Validate(hid string) error {
	d, err := Decode(hid)
	if err != nil {
		return err
	}
	if !Is10DigitNumber(d.Body) {
		return fmt.Errorf("%w: %q body is not a 10 digit number", ErrInvalidHealthID, hid)
	}
	if !d.Valid {
		return fmt.Errorf("%w: %q checksum mismatch", ErrInvalidHealthID, hid)
	}
	return nil
}

// BodyOf returns the numeric body of a well-formed HID without checking the
// checksum digit.
func BodyOf(hid string) (int64, error) {
	d, err := Decode(hid)
	if err != nil {
		return 0, err
	}
	return d.Body, nil
}
