// Package maps provides the small configuration-decoding helpers every
// data-source Init method leans on, mirroring the teacher's own
// utils/maps.Map2Struct/Copy seam.
package maps

import "github.com/mitchellh/mapstructure"

// Map2Struct decodes a generic configuration map into a typed struct, the
// same role the teacher's components play when they call maps.Map2Struct in
// Init to populate their own *Configuration struct.
func Map2Struct(input any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// Copy merges src into dst in place.
func Copy(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
