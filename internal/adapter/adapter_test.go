package adapter

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-ingest/internal/decoder"
	"price-ingest/internal/models"
	"price-ingest/internal/profile"
)

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	profiles, err := profile.Default()
	require.NoError(t, err)
	reg, err := NewRegistry(profiles)
	require.NoError(t, err)
	return reg
}

func TestKonzumStoreFromFileName(t *testing.T) {
	info := konzumStore(nil, "HIPERMARKET,BJELOVARSKA 48B 10360 SESVETE,0201,25805,26.09.2025, 05-21")

	assert.Equal(t, "HIPERMARKET", info[profile.FieldStoreType])
	assert.Equal(t, "0201", info[profile.FieldStoreCode])
	assert.Equal(t, "BJELOVARSKA 48B", info[profile.FieldStoreAddress])
	assert.Equal(t, "10360", info[profile.FieldStorePostalCode])
	assert.Equal(t, "SESVETE", info[profile.FieldStoreCity])

	assert.Nil(t, konzumStore(nil, "cjenik"))
}

func TestStudenacStoreFromFileName(t *testing.T) {
	info := studenacStore(nil, "SUPERMARKET-Bijela_uvala_5_FUNTANA-T598-143-2025-10-04-07-00-14-559375")

	assert.Equal(t, "SUPERMARKET", info[profile.FieldStoreType])
	assert.Equal(t, "T598", info[profile.FieldStoreCode])
	assert.Equal(t, "Bijela uvala 5", info[profile.FieldStoreAddress])
	assert.Equal(t, "FUNTANA", info[profile.FieldStoreCity])
}

func TestSplitAddressCity(t *testing.T) {
	addr, city := splitAddressCity([]string{"Put", "Radoševca", "bb", "ŠIBENIK"})
	assert.Equal(t, "Put Radoševca bb", addr)
	assert.Equal(t, "ŠIBENIK", city)

	addr, city = splitAddressCity([]string{"Trg", "Kralja", "Tomislava", "3"})
	assert.Equal(t, "Trg Kralja Tomislava 3", addr)
	assert.Empty(t, city)
}

func TestRegistryForUnknownRetailer(t *testing.T) {
	reg := defaultRegistry(t)

	_, err := reg.For("acme")
	assert.True(t, errors.Is(err, models.ErrUnknownRetailer))

	a, err := reg.For("konzum")
	require.NoError(t, err)
	assert.Equal(t, "KONZUM", a.Retailer())
	assert.NotEmpty(t, a.FieldMap()[profile.FieldRegularPrice])
}

func TestRegistryRejectsUnknownAdapter(t *testing.T) {
	profiles, err := profile.Load(strings.NewReader(`
retailers:
  - code: X
    format: CSV
    adapter: magic
    columns: {product_name: [n], regular_price: [p]}
`))
	require.NoError(t, err)
	_, err = NewRegistry(profiles)
	assert.Error(t, err)
}

func TestParseZippedXMLWithStoreFromMemberName(t *testing.T) {
	reg := defaultRegistry(t)
	a, err := reg.For("STUDENAC")
	require.NoError(t, err)

	doc := `<ProdajniObjekt><Proizvodi><Proizvod>
<NazivProizvoda>Čokolino čokoladni</NazivProizvoda><SifraProizvoda>1001</SifraProizvoda>
<MaloprodajnaCijena>2.49</MaloprodajnaCijena><Barkod>3850102123456</Barkod>
</Proizvod></Proizvodi></ProdajniObjekt>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("SUPERMARKET-Bijela_uvala_5_FUNTANA-T598-143-2025-10-04-07-00-14-559375.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	parsed, err := a.Parse(&models.SourceFile{Retailer: "STUDENAC", FileName: "studenac.zip", Payload: buf.Bytes()}, decoder.Limits{})
	require.NoError(t, err)
	defer Close(parsed)

	require.Len(t, parsed, 1)
	assert.Equal(t, "T598", parsed[0].Store[profile.FieldStoreCode])
	assert.Equal(t, "FUNTANA", parsed[0].Store[profile.FieldStoreCity])

	row, err := parsed[0].Rows.Next()
	require.NoError(t, err)
	assert.Equal(t, "Čokolino čokoladni", row.Get(profile.FieldProductName))
	_, err = parsed[0].Rows.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestParseReadsPathAndAppliesDefaults(t *testing.T) {
	reg := defaultRegistry(t)
	a, err := reg.For("VRUTAK")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "vrutak.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<items><item><naziv>Kruh</naziv><sifra>7</sifra><mpcijena>0.89</mpcijena></item></items>`), 0o644))

	parsed, err := a.Parse(&models.SourceFile{Retailer: "VRUTAK", FileName: "vrutak.xml", Path: path}, decoder.Limits{})
	require.NoError(t, err)
	defer Close(parsed)

	require.Len(t, parsed, 1)
	assert.Equal(t, "1", parsed[0].Store[profile.FieldStoreCode])
	assert.Equal(t, "SUPERMARKET", parsed[0].Store[profile.FieldStoreType])

	_, err = a.Parse(&models.SourceFile{Retailer: "VRUTAK", FileName: "missing.xml"}, decoder.Limits{})
	assert.Error(t, err)
}
