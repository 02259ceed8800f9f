package adapter

import (
	"regexp"
	"strings"
	"unicode"

	"price-ingest/internal/profile"
)

var postalCity = regexp.MustCompile(`^(.+?)\s+(\d{5})\s+(.+)$`)

// konzumStore reads "TYPE,ADDRESS POSTCODE CITY,STORE,STORAGE,DATE, TIME"
func konzumStore(_ *profile.Profile, name string) StoreInfo {
	parts := strings.Split(name, ",")
	if len(parts) < 3 {
		return nil
	}
	info := StoreInfo{
		profile.FieldStoreType: strings.TrimSpace(parts[0]),
		profile.FieldStoreCode: strings.TrimSpace(parts[2]),
	}
	location := strings.TrimSpace(parts[1])
	if m := postalCity.FindStringSubmatch(location); m != nil {
		info[profile.FieldStoreAddress] = m[1]
		info[profile.FieldStorePostalCode] = m[2]
		info[profile.FieldStoreCity] = m[3]
	} else {
		info[profile.FieldStoreAddress] = location
	}
	return info
}

var studenacTail = regexp.MustCompile(`-(T\d{3}|\d{4})-(\d+)-(\d+)-.*$`)

// studenacStore reads "TYPE-Address_words_CITY-STORE-STORAGE-YYYY-MM-DD-..."
func studenacStore(_ *profile.Profile, name string) StoreInfo {
	loc := studenacTail.FindStringSubmatchIndex(name)
	if loc == nil {
		return nil
	}
	head := name[:loc[0]]
	code := name[loc[2]:loc[3]]

	typ, rest, ok := strings.Cut(head, "-")
	if !ok {
		return StoreInfo{profile.FieldStoreCode: code}
	}
	address, city := splitAddressCity(strings.Split(rest, "_"))
	return StoreInfo{
		profile.FieldStoreType:    typ,
		profile.FieldStoreCode:    code,
		profile.FieldStoreAddress: address,
		profile.FieldStoreCity:    city,
	}
}

// splitAddressCity treats the trailing run of purely alphabetic words as the
// city ("bb" and single letters belong to the address)
func splitAddressCity(words []string) (string, string) {
	start := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		w := words[i]
		if len([]rune(w)) < 2 || strings.EqualFold(w, "bb") || !isAlpha(w) {
			break
		}
		start = i
	}
	if start == len(words) || start == 0 {
		return strings.Join(words, " "), ""
	}
	return strings.Join(words[:start], " "), strings.Join(words[start:], " ")
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
