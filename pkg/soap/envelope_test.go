package soap

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acsGetParameterValues = `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
    xmlns:cwmp="urn:dslforum-org:cwmp-1-2"
    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <soapenv:Header>
    <cwmp:ID soapenv:mustUnderstand="1"> acs-42 </cwmp:ID>
  </soapenv:Header>
  <soapenv:Body>
    <cwmp:GetParameterValues>
      <ParameterNames>
        <string>Device.DeviceInfo.SerialNumber</string>
        <string>Device.ManagementServer.</string>
      </ParameterNames>
    </cwmp:GetParameterValues>
  </soapenv:Body>
</soapenv:Envelope>`

func TestMarshal(t *testing.T) {
	body := NewElement("cwmp:SetParameterValuesResponse")
	body.AddText("Status", "0")

	out, err := NewEnvelope("req-1", body).Marshal()
	require.NoError(t, err)
	doc := string(out)

	assert.True(t, strings.HasPrefix(doc, `<?xml version="1.0" encoding="UTF-8"?>`))
	for _, ns := range []string{
		`xmlns:soap-enc="http://schemas.xmlsoap.org/soap/encoding/"`,
		`xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/"`,
		`xmlns:xsd="http://www.w3.org/2001/XMLSchema"`,
		`xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`,
		`xmlns:cwmp="urn:dslforum-org:cwmp-1-0"`,
	} {
		assert.Contains(t, doc, ns)
	}
	assert.Contains(t, doc, `<soap-env:Header><cwmp:ID soap-env:mustUnderstand="1">req-1</cwmp:ID></soap-env:Header>`)
	assert.Contains(t, doc, `<soap-env:Body><cwmp:SetParameterValuesResponse><Status>0</Status></cwmp:SetParameterValuesResponse></soap-env:Body>`)
}

func TestMarshalEscapesText(t *testing.T) {
	body := NewElement("cwmp:GetParameterValuesResponse")
	body.AddText("Value", `a<b & "c"`).SetAttr("xsi:type", "xsd:string")

	out, err := NewEnvelope("1", body).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), `<Value xsi:type="xsd:string">a&lt;b &amp; &#34;c&#34;</Value>`)

	env, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, `a<b & "c"`, env.Body.Child("Value").Text)
}

func TestMarshalEmptyBody(t *testing.T) {
	out, err := NewEnvelope("x", nil).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), `<soap-env:Body></soap-env:Body>`)
}

func TestParse(t *testing.T) {
	env, err := Parse([]byte(acsGetParameterValues))
	require.NoError(t, err)
	require.NotNil(t, env)

	assert.Equal(t, "acs-42", env.ID)
	assert.Equal(t, "GetParameterValues", env.Method())
	assert.True(t, IsCWMPNamespace(env.Body.Name.Space))
	assert.False(t, env.IsFault())

	names := env.Body.Child("ParameterNames")
	require.NotNil(t, names)
	require.Len(t, names.Children, 2)
	assert.Equal(t, "Device.DeviceInfo.SerialNumber", strings.TrimSpace(names.Children[0].Text))
	assert.Equal(t, "Device.ManagementServer.", strings.TrimSpace(names.Children[1].Text))
}

func TestParseRoundTripsOwnOutput(t *testing.T) {
	body := NewElement("cwmp:Inform")
	body.Add("DeviceId").AddText("SerialNumber", "SN1")

	out, err := NewEnvelope("abc", body).Marshal()
	require.NoError(t, err)

	env, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "abc", env.ID)
	assert.Equal(t, "Inform", env.Method())
	assert.Equal(t, NamespaceCWMP, env.Body.Name.Space)
	assert.Equal(t, "SN1", env.Body.Child("DeviceId").ChildText("SerialNumber"))
}

func TestParseEmpty(t *testing.T) {
	for _, body := range []string{"", "   \r\n\t"} {
		env, err := Parse([]byte(body))
		assert.NoError(t, err)
		assert.Nil(t, env)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not xml", body: "hello"},
		{name: "truncated", body: `<soap-env:Envelope xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/"><soap-env:Body>`},
		{name: "wrong root", body: `<html><body/></html>`},
		{name: "no body", body: `<Envelope><Header/></Envelope>`},
		{name: "foreign namespace", body: `<soap-env:Envelope xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:x="urn:example:rpc"><soap-env:Body><x:GetParameterValues/></soap-env:Body></soap-env:Envelope>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))
		})
	}
}

func TestParseAnyCWMPVersion(t *testing.T) {
	for _, version := range []string{"1-0", "1-1", "1-2", "1-4"} {
		doc := `<soap-env:Envelope xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-` +
			version + `"><soap-env:Body><cwmp:GetRPCMethods/></soap-env:Body></soap-env:Envelope>`

		env, err := Parse([]byte(doc))
		require.NoError(t, err, version)
		assert.Equal(t, "GetRPCMethods", env.Method(), version)
	}
}

func TestParseLatin1(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>" +
		"<Envelope><Body><Value>caf\xe9</Value></Body></Envelope>"

	env, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "café", env.Body.Text)
}

func TestFault(t *testing.T) {
	doc := `<soap-env:Envelope xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
  <soap-env:Body>
    <soap-env:Fault>
      <faultcode>Client</faultcode>
      <faultstring>CWMP fault</faultstring>
      <detail>
        <cwmp:Fault>
          <FaultCode>8005</FaultCode>
          <FaultString>Retry request</FaultString>
        </cwmp:Fault>
      </detail>
    </soap-env:Fault>
  </soap-env:Body>
</soap-env:Envelope>`

	env, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.True(t, env.IsFault())

	code, msg, ok := env.Fault()
	assert.True(t, ok)
	assert.Equal(t, "8005", code)
	assert.Equal(t, "Retry request", msg)
}

func TestElementAccessors(t *testing.T) {
	el := NewElement("cwmp:Value")
	el.SetAttr("xsi:type", "xsd:int").SetAttr("xsi:type", "xsd:boolean")

	require.Len(t, el.Attrs, 1)
	typ, ok := el.Attr("type")
	assert.True(t, ok)
	assert.Equal(t, "xsd:boolean", typ)
	assert.Equal(t, "Value", el.LocalName())

	_, ok = el.Attr("missing")
	assert.False(t, ok)

	var nilEl *Element
	assert.Nil(t, nilEl.Child("x"))
	assert.Equal(t, "", nilEl.ChildText("x"))
}
