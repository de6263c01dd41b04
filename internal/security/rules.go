package security

// Risk weights applied per finding
const (
	weightPathTraversal   = 10
	weightSuspiciousEntry = 5
	weightDangerousSymbol = 3
	weightDangerousMethod = 2
	weightReflection      = 1
	weightBadSignature    = 10

	dangerousThreshold = 20
)

// Capability labels recorded in SecurityInfo
const (
	CapFilesystem     = "filesystem access"
	CapNetwork        = "network access"
	CapSystemProperty = "system property access"
	CapReflection     = "reflection access"
)

// suspiciousExtensions mark native or shell payloads inside a package
var suspiciousExtensions = []string{
	".exe", ".dll", ".so", ".dylib", ".bat", ".sh", ".cmd", ".ps1",
}

// suspiciousPathMarkers mark native bridge code by location
var suspiciousPathMarkers = []string{"native", "jni"}

// dangerousSymbols reference process spawning, raw file writers, raw
// sockets, reflective invocation and script-engine bootstrapping
var dangerousSymbols = []string{
	"java/lang/Runtime",
	"java/lang/ProcessBuilder",
	"java/io/FileOutputStream",
	"java/io/RandomAccessFile",
	"java/net/Socket",
	"java/net/ServerSocket",
	"java/lang/reflect/Method",
	"javax/script/ScriptEngineManager",
	"dalvik/system/DexClassLoader",
	"os.execute",
	"io.popen",
	"io.open",
	"package.loadlib",
	"loadstring",
	"dofile",
}

var dangerousMethods = []string{
	"exec",
	"getRuntime",
	"loadLibrary",
	"setSecurityManager",
	"defineClass",
	"os.exit",
	"setfenv",
}

var reflectionMarkers = []string{
	"java/lang/reflect",
	"getDeclaredMethod",
	"setAccessible",
	"debug.getinfo",
	"debug.sethook",
	"getfenv",
	"rawset",
}

// capabilityMarkers map a capability to the substrings that reveal it
var capabilityMarkers = []struct {
	capability string
	markers    []string
}{
	{CapFilesystem, []string{"java/io/File", "io.open", "io.lines", "os.remove", "os.rename"}},
	{CapNetwork, []string{"java/net/", "HttpURLConnection", "okhttp", "socket", "http_get"}},
	{CapSystemProperty, []string{"System.getProperty", "getenv"}},
	{CapReflection, reflectionMarkers},
}

// DefaultTrustedDomains are the hosting origins trusted out of the box
var DefaultTrustedDomains = []string{
	"github.com",
	"githubusercontent.com",
	"github.io",
	"jsdelivr.net",
	"gitee.com",
	"gitcode.net",
	"gitlab.com",
}
