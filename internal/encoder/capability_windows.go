//go:build windows

package encoder

import (
	"strings"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// probeAdapterVendorsWMI enumerates GPU adapters via a WMI
// Win32_VideoController query over classic IDispatch automation, the same
// idiom the parent agent uses for its Windows Update Agent session
// (CoInitializeEx/CreateObject/QueryInterface against IID_IDispatch). This
// replaces the distilled prototype's "shell out to powershell.exe" approach
// with an in-process COM call - no extra process, same query.
func probeAdapterVendorsWMI() AdapterVendors {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		log.Warn("gpu adapter enumeration: CoInitializeEx failed", "error", err)
		return AdapterVendors{Unknown: true}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		log.Warn("gpu adapter enumeration: CreateObject failed", "error", err)
		return AdapterVendors{Unknown: true}
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		log.Warn("gpu adapter enumeration: QueryInterface failed", "error", err)
		return AdapterVendors{Unknown: true}
	}
	defer locator.Release()

	serviceVar, err := oleutil.CallMethod(locator, "ConnectServer")
	if err != nil {
		log.Warn("gpu adapter enumeration: ConnectServer failed", "error", err)
		return AdapterVendors{Unknown: true}
	}
	service := serviceVar.ToIDispatch()
	defer service.Release()

	resultVar, err := oleutil.CallMethod(service, "ExecQuery", "SELECT Name FROM Win32_VideoController")
	if err != nil {
		log.Warn("gpu adapter enumeration: ExecQuery failed", "error", err)
		return AdapterVendors{Unknown: true}
	}
	result := resultVar.ToIDispatch()
	defer result.Release()

	countVar, err := oleutil.GetProperty(result, "Count")
	if err != nil {
		log.Warn("gpu adapter enumeration: Count failed", "error", err)
		return AdapterVendors{Unknown: true}
	}
	count := int(countVar.Val)
	if count == 0 {
		return AdapterVendors{Unknown: true}
	}

	var vendors AdapterVendors
	for i := 0; i < count; i++ {
		itemVar, err := oleutil.CallMethod(result, "ItemIndex", i)
		if err != nil {
			continue
		}
		item := itemVar.ToIDispatch()

		nameVar, err := oleutil.GetProperty(item, "Name")
		item.Release()
		if err != nil {
			continue
		}
		name := strings.ToLower(nameVar.ToString())

		if strings.Contains(name, "nvidia") {
			vendors.NVIDIA = true
		}
		if strings.Contains(name, "amd") || strings.Contains(name, "radeon") {
			vendors.AMD = true
		}
	}

	return vendors
}

func init() {
	probeAdapterVendors = probeAdapterVendorsWMI
}
