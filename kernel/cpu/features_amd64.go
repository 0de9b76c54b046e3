package cpu

import xcpu "golang.org/x/sys/cpu"

// FeatureVisitor is invoked by VisitFeatures for each known CPU feature.
type FeatureVisitor func(name string, supported bool)

// x86Features lists the feature flags detected by golang.org/x/sys/cpu that
// are relevant to the kernel. The flags are read through pointers so that the
// values reflect the detection performed by the x/sys/cpu package init.
var x86Features = [...]struct {
	name string
	flag *bool
}{
	{"sse2", &xcpu.X86.HasSSE2},
	{"sse3", &xcpu.X86.HasSSE3},
	{"ssse3", &xcpu.X86.HasSSSE3},
	{"sse4.1", &xcpu.X86.HasSSE41},
	{"sse4.2", &xcpu.X86.HasSSE42},
	{"popcnt", &xcpu.X86.HasPOPCNT},
	{"aes", &xcpu.X86.HasAES},
	{"pclmulqdq", &xcpu.X86.HasPCLMULQDQ},
	{"avx", &xcpu.X86.HasAVX},
	{"avx2", &xcpu.X86.HasAVX2},
	{"bmi1", &xcpu.X86.HasBMI1},
	{"bmi2", &xcpu.X86.HasBMI2},
	{"erms", &xcpu.X86.HasERMS},
	{"fma", &xcpu.X86.HasFMA},
	{"osxsave", &xcpu.X86.HasOSXSAVE},
	{"rdrand", &xcpu.X86.HasRDRAND},
	{"rdseed", &xcpu.X86.HasRDSEED},
}

// VisitFeatures invokes visitor for each CPU feature flag known to the
// kernel, in a stable order.
func VisitFeatures(visitor FeatureVisitor) {
	for i := 0; i < len(x86Features); i++ {
		visitor(x86Features[i].name, *x86Features[i].flag)
	}
}

// Vendor returns a short name for the CPU vendor.
func Vendor() string {
	if IsIntel() {
		return "intel"
	}

	_, ebx, ecx, edx := cpuidFn(0)
	if ebx == 0x68747541 && // "Auth"
		edx == 0x69746e65 && // "enti"
		ecx == 0x444d4163 { // "cAMD"
		return "amd"
	}

	return "unknown"
}
