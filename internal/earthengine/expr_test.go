package earthengine

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestEncode_Constant(t *testing.T) {
	expr, err := Encode(Const(1))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	node, ok := expr.Values[expr.Result]
	if !ok {
		t.Fatalf("result %q missing from values %v", expr.Result, expr.Values)
	}
	if string(node.ConstantValue) != "1" {
		t.Errorf("constantValue = %s, want 1", node.ConstantValue)
	}
}

func TestEncode_DeduplicatesSharedNodes(t *testing.T) {
	load := Invoke("ImageCollection.load", Args{"id": Const("MODIS/MYD13A1")})
	mean := func() *Expr { return Invoke("reduce.mean", Args{"collection": load}) }
	root := Invoke("Image.subtract", Args{"image1": mean(), "image2": mean()})

	expr, err := Encode(root)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(expr.Values) != 3 {
		t.Fatalf("len(values) = %d, want 3 (load, mean, subtract)", len(expr.Values))
	}
	sub := expr.Values[expr.Result].FunctionInvocationValue
	if sub == nil || sub.FunctionName != "Image.subtract" {
		t.Fatalf("result node = %+v, want Image.subtract", expr.Values[expr.Result])
	}
	a, b := sub.Arguments["image1"].ValueReference, sub.Arguments["image2"].ValueReference
	if a == "" || a != b {
		t.Errorf("image1 ref %q, image2 ref %q; want the same non-empty reference", a, b)
	}
}

func TestEncode_FunctionDefinition(t *testing.T) {
	body := Invoke("Image.select", Args{
		"input":         ArgRef("_MAPPING_VAR_0_0"),
		"bandSelectors": Const([]string{"EVI"}),
	})
	root := Invoke("Collection.map", Args{
		"collection":    Invoke("ImageCollection.load", Args{"id": Const("MODIS/MYD13A1")}),
		"baseAlgorithm": Func([]string{"_MAPPING_VAR_0_0"}, body),
	})

	expr, err := Encode(root)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	fnRef := expr.Values[expr.Result].FunctionInvocationValue.Arguments["baseAlgorithm"].ValueReference
	def := expr.Values[fnRef].FunctionDefinitionValue
	if def == nil {
		t.Fatalf("baseAlgorithm does not reference a function definition: %+v", expr.Values[fnRef])
	}
	if len(def.ArgumentNames) != 1 || def.ArgumentNames[0] != "_MAPPING_VAR_0_0" {
		t.Errorf("argumentNames = %v", def.ArgumentNames)
	}
	sel := expr.Values[def.Body].FunctionInvocationValue
	if sel == nil || sel.FunctionName != "Image.select" {
		t.Fatalf("body = %+v, want Image.select", expr.Values[def.Body])
	}
	if got := sel.Arguments["input"].ArgumentReference; got != "_MAPPING_VAR_0_0" {
		t.Errorf("input argumentReference = %q", got)
	}
}

func TestEncode_WireFormat(t *testing.T) {
	root := Invoke("Feature", Args{
		"geometry": Const(nil),
		"metadata": Dict(Args{"EVI": Const(0)}),
	})
	expr, err := Encode(root)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	data, err := json.Marshal(expr)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got := string(data)
	for _, want := range []string{
		`"result":"1"`,
		`"geometry":{"constantValue":null}`,
		`"dictionaryValue":{"values":{"EVI":{"constantValue":0}}}`,
		`"functionName":"Feature"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("encoded expression %s missing %s", got, want)
		}
	}
}

func TestEncode_ArrayAndNil(t *testing.T) {
	expr, err := Encode(Array(Const("a"), nil))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	arr := expr.Values[expr.Result].ArrayValue
	if arr == nil || len(arr.Values) != 2 {
		t.Fatalf("arrayValue = %+v, want two items", arr)
	}
	if string(arr.Values[1].ConstantValue) != "null" {
		t.Errorf("nil item = %s, want null", arr.Values[1].ConstantValue)
	}
}

func TestEncode_UnencodableConstant(t *testing.T) {
	_, err := Encode(Invoke("Image.constant", Args{"value": Const(make(chan int))}))
	if err == nil {
		t.Fatal("Encode() expected error for channel constant")
	}
	if !strings.Contains(err.Error(), "Image.constant") {
		t.Errorf("error = %v, want function name in context", err)
	}
}
